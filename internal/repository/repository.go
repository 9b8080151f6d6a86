// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencampus-edu/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSignal appends a signal to the per-student log. Replays of the
// same (studentId, kind, observedAt) surface as ErrDuplicateSignal so
// ingestion stays idempotent.
func (r *SQLRepository) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	if sig.StudentID == "" {
		return fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO signals (
			id, student_id, kind, value, confidence, observed_at, source, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sig.ID, sig.StudentID, string(sig.Kind), sig.Value, sig.Confidence,
		sig.ObservedAt, sig.Source, sig.RecordedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return domain.ErrDuplicateSignal
	}
	return err
}

// GetSignals returns the signal log for one student ascending by
// observation time. An empty kind matches all kinds.
func (r *SQLRepository) GetSignals(ctx context.Context, studentID string, kind domain.SignalKind, since time.Time) ([]*domain.Signal, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, student_id, kind, value, confidence, observed_at, source, recorded_at
		FROM signals
		WHERE student_id = ? AND observed_at >= ?
	`
	args := []any{studentID, since}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY observed_at ASC"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}

	return signals, rows.Err()
}

// GetLatestSignal returns the newest signal of one kind for a student.
func (r *SQLRepository) GetLatestSignal(ctx context.Context, studentID string, kind domain.SignalKind) (*domain.Signal, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, student_id, kind, value, confidence, observed_at, source, recorded_at
		FROM signals
		WHERE student_id = ? AND kind = ?
		ORDER BY observed_at DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), studentID, string(kind))
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// ListStudentIDs returns every student with at least one signal.
// Used by the predictor's batch scan.
func (r *SQLRepository) ListStudentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT student_id FROM signals ORDER BY student_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveAssessment stores an assessment. Assessments are append-only;
// the next recomputation supersedes rather than mutates.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if a.StudentID == "" {
		return fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	factors, _ := json.Marshal(a.Factors)

	query := `
		INSERT INTO assessments (id, student_id, score, factors, computed_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.StudentID, a.Score, string(factors), a.ComputedAt,
	)
	return err
}

// GetLatestAssessment returns the most recent assessment for a student.
func (r *SQLRepository) GetLatestAssessment(ctx context.Context, studentID string) (*domain.RiskAssessment, error) {
	assessments, err := r.GetAssessments(ctx, studentID, 1)
	if err != nil {
		return nil, err
	}
	if len(assessments) == 0 {
		return nil, domain.ErrNotFound
	}
	return assessments[0], nil
}

// GetAssessments returns assessment history newest-first.
func (r *SQLRepository) GetAssessments(ctx context.Context, studentID string, limit int) ([]*domain.RiskAssessment, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, student_id, score, factors, computed_at
		FROM assessments
		WHERE student_id = ?
		ORDER BY computed_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []*domain.RiskAssessment
	for rows.Next() {
		var a domain.RiskAssessment
		var factors string
		if err := rows.Scan(&a.ID, &a.StudentID, &a.Score, &factors, &a.ComputedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(factors), &a.Factors)
		assessments = append(assessments, &a)
	}

	return assessments, rows.Err()
}

// SaveAlert inserts or updates an alert record.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert.StudentID == "" {
		return fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	factors, _ := json.Marshal(alert.ReasonFactors)
	reasons, _ := json.Marshal(alert.RuleReasons)

	query := `
		INSERT INTO alerts (
			id, student_id, severity, score, status, reason_factors, rule_reasons,
			dedupe_key, case_id, opened_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			score = excluded.score,
			status = excluded.status,
			reason_factors = excluded.reason_factors,
			rule_reasons = excluded.rule_reasons,
			case_id = excluded.case_id,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.StudentID, string(alert.Severity), alert.Score, alert.Status,
		string(factors), string(reasons), alert.DedupeKey, nullString(alert.CaseID),
		alert.OpenedAt, alert.UpdatedAt, nullTime(alert.ResolvedAt),
	)
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `
		SELECT id, student_id, severity, score, status, reason_factors, rule_reasons,
		       dedupe_key, case_id, opened_at, updated_at, resolved_at
		FROM alerts
		WHERE id = ?
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return alert, err
}

// GetOpenAlertsByStudent returns all open alerts for one student,
// newest first. The dedupe invariant makes this at most one per bucket.
func (r *SQLRepository) GetOpenAlertsByStudent(ctx context.Context, studentID string) ([]*domain.Alert, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, student_id, severity, score, status, reason_factors, rule_reasons,
		       dedupe_key, case_id, opened_at, updated_at, resolved_at
		FROM alerts
		WHERE student_id = ? AND status = ?
		ORDER BY opened_at DESC
	`

	return r.queryAlerts(ctx, query, studentID, domain.AlertStatusOpen)
}

// GetAlertsByCase returns every alert attached to a case.
func (r *SQLRepository) GetAlertsByCase(ctx context.Context, caseID string) ([]*domain.Alert, error) {
	query := `
		SELECT id, student_id, severity, score, status, reason_factors, rule_reasons,
		       dedupe_key, case_id, opened_at, updated_at, resolved_at
		FROM alerts
		WHERE case_id = ?
		ORDER BY opened_at ASC
	`

	return r.queryAlerts(ctx, query, caseID)
}

func (r *SQLRepository) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// SaveCase inserts or updates a case record, bumping its version.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c.StudentID == "" {
		return fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}
	if len(c.AlertIDs) == 0 {
		return fmt.Errorf("%w: a case requires at least one alert", domain.ErrInvalidInput)
	}

	alertIDs, _ := json.Marshal(c.AlertIDs)

	query := `
		INSERT INTO cases (
			id, student_id, alert_ids, assignee, stage, severity, version,
			opened_at, last_transition_at, sla_deadline, resolved_at, counseling_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			alert_ids = excluded.alert_ids,
			assignee = excluded.assignee,
			stage = excluded.stage,
			severity = excluded.severity,
			version = excluded.version,
			last_transition_at = excluded.last_transition_at,
			sla_deadline = excluded.sla_deadline,
			resolved_at = excluded.resolved_at,
			counseling_at = excluded.counseling_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.StudentID, string(alertIDs), nullString(c.Assignee), string(c.Stage),
		string(c.Severity), c.Version, c.OpenedAt, c.LastTransitionAt,
		nullTime(c.SLADeadline), nullTime(c.ResolvedAt), nullTime(c.CounselingAt),
	)
	return err
}

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := caseSelect + ` WHERE id = ?`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// GetActiveCaseByStudent returns the student's open case, if any.
// The lifecycle manager guarantees at most one.
func (r *SQLRepository) GetActiveCaseByStudent(ctx context.Context, studentID string) (*domain.Case, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	query := caseSelect + ` WHERE student_id = ? AND stage != ? ORDER BY opened_at DESC LIMIT 1`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), studentID, string(domain.StageResolved)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// GetLatestResolvedCaseByStudent returns the most recently resolved
// case for reopen-window checks.
func (r *SQLRepository) GetLatestResolvedCaseByStudent(ctx context.Context, studentID string) (*domain.Case, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}

	query := caseSelect + ` WHERE student_id = ? AND stage = ? ORDER BY resolved_at DESC LIMIT 1`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), studentID, string(domain.StageResolved)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// ListCases returns the urgency queue: severity descending, then SLA
// deadline ascending (missing deadlines sort last). Resolved cases are
// excluded unless the filter asks for them.
func (r *SQLRepository) ListCases(ctx context.Context, filter domain.QueueFilter) ([]*domain.Case, error) {
	query := caseSelect
	var conds []string
	var args []any

	if filter.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, string(filter.Stage))
	} else {
		conds = append(conds, "stage != ?")
		args = append(args, string(domain.StageResolved))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Assignee != "" {
		conds = append(conds, "assignee = ?")
		args = append(args, filter.Assignee)
	}

	query += " WHERE " + strings.Join(conds, " AND ")
	query += `
		ORDER BY CASE severity
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			ELSE 1
		END DESC,
		CASE WHEN sla_deadline IS NULL THEN 1 ELSE 0 END ASC,
		sla_deadline ASC,
		opened_at ASC
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// ListCasesPastDeadline returns active cases whose SLA deadline has
// passed. Consumed by the overdue sweep.
func (r *SQLRepository) ListCasesPastDeadline(ctx context.Context, now time.Time) ([]*domain.Case, error) {
	query := caseSelect + ` WHERE stage != ? AND sla_deadline IS NOT NULL AND sla_deadline < ? ORDER BY sla_deadline ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(domain.StageResolved), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// SaveAcknowledgment appends to the acknowledgment log.
func (r *SQLRepository) SaveAcknowledgment(ctx context.Context, ack *domain.Acknowledgment) error {
	if ack.CaseID == "" {
		return fmt.Errorf("%w: caseId is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO acknowledgments (
			id, case_id, respondent, response_text, action_plan, follow_up_date, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ack.ID, ack.CaseID, ack.Respondent, ack.ResponseText,
		nullString(ack.ActionPlan), nullTime(ack.FollowUpDate), ack.SubmittedAt,
	)
	return err
}

// GetAcknowledgmentsByCase returns the acknowledgment log oldest-first.
func (r *SQLRepository) GetAcknowledgmentsByCase(ctx context.Context, caseID string) ([]*domain.Acknowledgment, error) {
	query := `
		SELECT id, case_id, respondent, response_text, action_plan, follow_up_date, submitted_at
		FROM acknowledgments
		WHERE case_id = ?
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acks []*domain.Acknowledgment
	for rows.Next() {
		var ack domain.Acknowledgment
		var actionPlan sql.NullString
		var followUp sql.NullTime
		if err := rows.Scan(&ack.ID, &ack.CaseID, &ack.Respondent, &ack.ResponseText, &actionPlan, &followUp, &ack.SubmittedAt); err != nil {
			return nil, err
		}
		ack.ActionPlan = actionPlan.String
		if followUp.Valid {
			t := followUp.Time
			ack.FollowUpDate = &t
		}
		acks = append(acks, &ack)
	}
	return acks, rows.Err()
}

// SaveNotification inserts or updates a notification record.
func (r *SQLRepository) SaveNotification(ctx context.Context, n *domain.Notification) error {
	if n.CaseID == "" {
		return fmt.Errorf("%w: caseId is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO notifications (
			id, case_id, channel, recipient, payload, status, attempts, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		n.ID, n.CaseID, string(n.Channel), n.Recipient, n.Payload,
		n.Status, n.Attempts, nullString(n.LastError), n.CreatedAt, n.UpdatedAt,
	)
	return err
}

// GetNotification retrieves a notification by ID.
func (r *SQLRepository) GetNotification(ctx context.Context, id string) (*domain.Notification, error) {
	query := `
		SELECT id, case_id, channel, recipient, payload, status, attempts, last_error, created_at, updated_at
		FROM notifications
		WHERE id = ?
	`

	var n domain.Notification
	var channel string
	var lastError sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&n.ID, &n.CaseID, &channel, &n.Recipient, &n.Payload,
		&n.Status, &n.Attempts, &lastError, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	n.Channel = domain.Channel(channel)
	n.LastError = lastError.String
	return &n, nil
}

// ListNotificationsByCase returns a case's notification log.
func (r *SQLRepository) ListNotificationsByCase(ctx context.Context, caseID string) ([]*domain.Notification, error) {
	query := `
		SELECT id, case_id, channel, recipient, payload, status, attempts, last_error, created_at, updated_at
		FROM notifications
		WHERE case_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var channel string
		var lastError sql.NullString
		if err := rows.Scan(
			&n.ID, &n.CaseID, &channel, &n.Recipient, &n.Payload,
			&n.Status, &n.Attempts, &lastError, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, err
		}
		n.Channel = domain.Channel(channel)
		n.LastError = lastError.String
		out = append(out, &n)
	}
	return out, rows.Err()
}

// SaveRiskRule stores an intervention rule.
func (r *SQLRepository) SaveRiskRule(ctx context.Context, rule *domain.RiskRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO risk_rules (
			id, name, description, version, expression, reason, min_severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reason = excluded.reason,
			min_severity = excluded.min_severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version, rule.Expression,
		rule.Reason, nullString(string(rule.MinSeverity)), enabled, now, now,
	)
	return err
}

// GetRiskRule retrieves the latest enabled version of a rule.
func (r *SQLRepository) GetRiskRule(ctx context.Context, ruleID string) (*domain.RiskRule, error) {
	query := `
		SELECT id, name, description, version, expression, reason, min_severity, enabled, created_at, updated_at
		FROM risk_rules
		WHERE id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	rule, err := scanRiskRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRiskRules returns all enabled intervention rules.
func (r *SQLRepository) ListRiskRules(ctx context.Context) ([]*domain.RiskRule, error) {
	query := `
		SELECT id, name, description, version, expression, reason, min_severity, enabled, created_at, updated_at
		FROM risk_rules
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RiskRule
	for rows.Next() {
		rule, err := scanRiskRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const caseSelect = `
	SELECT id, student_id, alert_ids, assignee, stage, severity, version,
	       opened_at, last_transition_at, sla_deadline, resolved_at, counseling_at
	FROM cases
`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(s scanner) (*domain.Signal, error) {
	var sig domain.Signal
	var kind string
	var source sql.NullString
	if err := s.Scan(&sig.ID, &sig.StudentID, &kind, &sig.Value, &sig.Confidence, &sig.ObservedAt, &source, &sig.RecordedAt); err != nil {
		return nil, err
	}
	sig.Kind = domain.SignalKind(kind)
	sig.Source = source.String
	return &sig, nil
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var alert domain.Alert
	var severity, factors string
	var reasons, caseID sql.NullString
	var resolvedAt sql.NullTime

	if err := s.Scan(
		&alert.ID, &alert.StudentID, &severity, &alert.Score, &alert.Status,
		&factors, &reasons, &alert.DedupeKey, &caseID,
		&alert.OpenedAt, &alert.UpdatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	alert.Severity = domain.Severity(severity)
	alert.CaseID = caseID.String
	json.Unmarshal([]byte(factors), &alert.ReasonFactors)
	if reasons.Valid {
		json.Unmarshal([]byte(reasons.String), &alert.RuleReasons)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	return &alert, nil
}

func scanCase(s scanner) (*domain.Case, error) {
	var c domain.Case
	var alertIDs, stage, severity string
	var assignee sql.NullString
	var slaDeadline, resolvedAt, counselingAt sql.NullTime

	if err := s.Scan(
		&c.ID, &c.StudentID, &alertIDs, &assignee, &stage, &severity, &c.Version,
		&c.OpenedAt, &c.LastTransitionAt, &slaDeadline, &resolvedAt, &counselingAt,
	); err != nil {
		return nil, err
	}

	c.Stage = domain.Stage(stage)
	c.Severity = domain.Severity(severity)
	c.Assignee = assignee.String
	json.Unmarshal([]byte(alertIDs), &c.AlertIDs)
	if slaDeadline.Valid {
		t := slaDeadline.Time
		c.SLADeadline = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if counselingAt.Valid {
		t := counselingAt.Time
		c.CounselingAt = &t
	}
	return &c, nil
}

func scanRiskRule(s scanner) (*domain.RiskRule, error) {
	var rule domain.RiskRule
	var description, minSeverity sql.NullString
	var enabled int

	if err := s.Scan(
		&rule.ID, &rule.Name, &description, &rule.Version, &rule.Expression,
		&rule.Reason, &minSeverity, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.MinSeverity = domain.Severity(minSeverity.String)
	rule.Enabled = enabled == 1
	return &rule, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation sniffs driver-specific unique constraint errors.
// SQLite reports "UNIQUE constraint failed"; Postgres "duplicate key".
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
