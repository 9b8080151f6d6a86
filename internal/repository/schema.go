package repository

// Schema definitions for the Kestrel store.
// Compatible with both SQLite and PostgreSQL. Every table is keyed by
// student or case id; read paths never join across students.

const schemaSignals = `
CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    value REAL NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    observed_at TIMESTAMP NOT NULL,
    source TEXT,
    recorded_at TIMESTAMP NOT NULL,
    UNIQUE (student_id, kind, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_signals_student ON signals(student_id);
CREATE INDEX IF NOT EXISTS idx_signals_student_kind ON signals(student_id, kind, observed_at);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    score REAL NOT NULL,
    factors TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_student ON assessments(student_id, computed_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    score REAL NOT NULL,
    status TEXT NOT NULL,
    reason_factors TEXT NOT NULL,
    rule_reasons TEXT,
    dedupe_key TEXT NOT NULL,
    case_id TEXT,
    opened_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alerts_student_status ON alerts(student_id, status);
CREATE INDEX IF NOT EXISTS idx_alerts_case ON alerts(case_id);
CREATE INDEX IF NOT EXISTS idx_alerts_dedupe ON alerts(dedupe_key);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    alert_ids TEXT NOT NULL,
    assignee TEXT,
    stage TEXT NOT NULL,
    severity TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    opened_at TIMESTAMP NOT NULL,
    last_transition_at TIMESTAMP NOT NULL,
    sla_deadline TIMESTAMP,
    resolved_at TIMESTAMP,
    counseling_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cases_student_stage ON cases(student_id, stage);
CREATE INDEX IF NOT EXISTS idx_cases_stage ON cases(stage);
CREATE INDEX IF NOT EXISTS idx_cases_deadline ON cases(sla_deadline);
`

const schemaAcknowledgments = `
CREATE TABLE IF NOT EXISTS acknowledgments (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    respondent TEXT NOT NULL,
    response_text TEXT NOT NULL,
    action_plan TEXT,
    follow_up_date TIMESTAMP,
    submitted_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_acks_case ON acknowledgments(case_id, submitted_at);
`

const schemaNotifications = `
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    recipient TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_case ON notifications(case_id);
CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
`

const schemaRiskRules = `
CREATE TABLE IF NOT EXISTS risk_rules (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    min_severity TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_risk_rules_enabled ON risk_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSignals,
		schemaAssessments,
		schemaAlerts,
		schemaCases,
		schemaAcknowledgments,
		schemaNotifications,
		schemaRiskRules,
	}
}
