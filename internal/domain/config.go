package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired in.
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Policy knobs. Operators tune sensitivity here, never in code.
	Scoring   ScoringConfig   `json:"scoring"`
	Alerting  AlertingConfig  `json:"alerting"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Predictor PredictorConfig `json:"predictor"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig tunes the risk scorer.
type ScoringConfig struct {
	// Weights per signal kind; kinds with no signals yet are
	// renormalized away.
	Weights map[SignalKind]float64 `json:"weights"`

	// TrendWindow is the number of trailing observations used for the
	// per-kind slope.
	TrendWindow int `json:"trendWindow"`

	// TrendGain converts a falling slope into extra severity, capped
	// by TrendCap.
	TrendGain float64 `json:"trendGain"`
	TrendCap  float64 `json:"trendCap"`

	// StaleSkew is how far behind the latest stored signal of the same
	// kind an observation may be before it is rejected as stale.
	StaleSkew time.Duration `json:"staleSkew"`
}

// AlertingConfig tunes the alert manager.
type AlertingConfig struct {
	// Bucket entry thresholds on the [0,100] score.
	LowThreshold      float64 `json:"lowThreshold"`
	MediumThreshold   float64 `json:"mediumThreshold"`
	HighThreshold     float64 `json:"highThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`

	// RecoveryThreshold is the score below which a student counts as
	// recovering; RecoverySustain consecutive recomputations below it
	// resolve the open alert.
	RecoveryThreshold float64 `json:"recoveryThreshold"`
	RecoverySustain   int     `json:"recoverySustain"`

	// PredictedOffset raises the opening threshold when the dominant
	// factor is a predicted signal.
	PredictedOffset float64 `json:"predictedOffset"`

	// DedupeWindow bounds one open alert per (student, bucket).
	DedupeWindow time.Duration `json:"dedupeWindow"`
}

// LifecycleConfig tunes the case state machine.
type LifecycleConfig struct {
	// SLA per severity. Zero means no deadline.
	SLACritical time.Duration `json:"slaCritical"`
	SLAHigh     time.Duration `json:"slaHigh"`
	SLAMedium   time.Duration `json:"slaMedium"`
	SLALow      time.Duration `json:"slaLow"`

	// ReopenWindow is how long after resolution a new alert reopens the
	// case instead of creating a fresh one.
	ReopenWindow time.Duration `json:"reopenWindow"`

	// SweepInterval is the cadence of the overdue sweep.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// DispatchConfig tunes notification delivery.
type DispatchConfig struct {
	MaxAttempts    int           `json:"maxAttempts"`
	BackoffBase    time.Duration `json:"backoffBase"`
	BackoffMax     time.Duration `json:"backoffMax"`
	GatewayTimeout time.Duration `json:"gatewayTimeout"`
	QueueSize      int           `json:"queueSize"`
}

// PredictorConfig tunes the early-warning predictor.
type PredictorConfig struct {
	Enabled bool `json:"enabled"`

	// Interval between batch scans.
	Interval time.Duration `json:"interval"`

	// Window is the trailing observation count fed to the regression.
	Window int `json:"window"`

	// Horizon is how many observations ahead to extrapolate.
	Horizon int `json:"horizon"`

	// FailureThreshold is the extrapolated value below which a
	// predicted signal is emitted.
	FailureThreshold float64 `json:"failureThreshold"`

	// MinConfidence suppresses predictions with a weaker fit.
	MinConfidence float64 `json:"minConfidence"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs embedded: SQLite + in-process channels + LRU.
	TierCommunity Tier = "community"

	// TierPro runs distributed: PostgreSQL + Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns the Community tier configuration. All policy
// defaults live here so operators can tune sensitivity without code
// changes.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Weights: map[SignalKind]float64{
				KindAttendance: 0.35,
				KindGrade:      0.30,
				KindFee:        0.15,
				KindSentiment:  0.20,
			},
			TrendWindow: 5,
			TrendGain:   0.02,
			TrendCap:    0.10,
			StaleSkew:   48 * time.Hour,
		},
		Alerting: AlertingConfig{
			LowThreshold:      40,
			MediumThreshold:   55,
			HighThreshold:     70,
			CriticalThreshold: 85,
			RecoveryThreshold: 30,
			RecoverySustain:   3,
			PredictedOffset:   10,
			DedupeWindow:      24 * time.Hour,
		},
		Lifecycle: LifecycleConfig{
			SLACritical:   24 * time.Hour,
			SLAHigh:       72 * time.Hour,
			SLAMedium:     7 * 24 * time.Hour,
			SLALow:        0,
			ReopenWindow:  7 * 24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    5,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			GatewayTimeout: 10 * time.Second,
			QueueSize:      1000,
		},
		Predictor: PredictorConfig{
			Enabled:          true,
			Interval:         15 * time.Minute,
			Window:           14,
			Horizon:          3,
			FailureThreshold: 50,
			MinConfidence:    0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns the distributed tier configuration.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// SLAFor returns the SLA duration for a severity bucket; ok is false
// when the bucket carries no deadline.
func (c LifecycleConfig) SLAFor(sev Severity) (time.Duration, bool) {
	var d time.Duration
	switch sev {
	case SeverityCritical:
		d = c.SLACritical
	case SeverityHigh:
		d = c.SLAHigh
	case SeverityMedium:
		d = c.SLAMedium
	case SeverityLow:
		d = c.SLALow
	}
	return d, d > 0
}
