// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. All records
// are keyed by studentId for efficient per-student scans; no read path
// requires a cross-student join.
type Repository interface {
	// Signal log (append-only; the normalizer is the sole writer)
	SaveSignal(ctx context.Context, sig *Signal) error
	GetSignals(ctx context.Context, studentID string, kind SignalKind, since time.Time) ([]*Signal, error)
	GetLatestSignal(ctx context.Context, studentID string, kind SignalKind) (*Signal, error)
	ListStudentIDs(ctx context.Context) ([]string, error)

	// Risk assessments (superseded, never mutated)
	SaveAssessment(ctx context.Context, a *RiskAssessment) error
	GetLatestAssessment(ctx context.Context, studentID string) (*RiskAssessment, error)
	GetAssessments(ctx context.Context, studentID string, limit int) ([]*RiskAssessment, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	GetOpenAlertsByStudent(ctx context.Context, studentID string) ([]*Alert, error)
	GetAlertsByCase(ctx context.Context, caseID string) ([]*Alert, error)

	// Cases (versioned records)
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	GetActiveCaseByStudent(ctx context.Context, studentID string) (*Case, error)
	GetLatestResolvedCaseByStudent(ctx context.Context, studentID string) (*Case, error)
	ListCases(ctx context.Context, filter QueueFilter) ([]*Case, error)
	ListCasesPastDeadline(ctx context.Context, now time.Time) ([]*Case, error)

	// Acknowledgment log (append-only)
	SaveAcknowledgment(ctx context.Context, ack *Acknowledgment) error
	GetAcknowledgmentsByCase(ctx context.Context, caseID string) ([]*Acknowledgment, error)

	// Notification log
	SaveNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	ListNotificationsByCase(ctx context.Context, caseID string) ([]*Notification, error)

	// Intervention rule configuration
	SaveRiskRule(ctx context.Context, rule *RiskRule) error
	GetRiskRule(ctx context.Context, ruleID string) (*RiskRule, error)
	ListRiskRules(ctx context.Context) ([]*RiskRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
