// Package vcconfig loads the Virtuous Cycle's configuration the way the
// teacher framework loads its own: defaults, then environment variables,
// then functional options, in that priority order, followed by a final
// Validate() pass. Field-by-field os.Getenv parsing is used rather than a
// reflection-based loader, matching the teacher's core.Config.LoadFromEnv.
// The env and default struct tags are not read by any code: only the
// variables named in loadFromEnv are consulted, and every other field keeps
// its value from defaultConfig unless an Option or LoadFromFile sets it.
package vcconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the whole process.
type Config struct {
	TraceClient  TraceClientConfig
	Monitor      MonitorConfig
	AlertBus     AlertBusConfig
	Learning     LearningStoreConfig
	Optimization OptimizationConfig
	Deployment   DeploymentConfig
	HTTP         HTTPConfig
	Logging      LoggingConfig
	Telemetry    TelemetryConfig
}

type TraceClientConfig struct {
	BaseURL          string        `env:"VC_OBSERVABILITY_BASE_URL"`
	APIKey           string        `env:"VC_OBSERVABILITY_API_KEY"`
	OrgID            string        `env:"VC_OBSERVABILITY_ORG_ID"`
	PollInterval     time.Duration `env:"VC_POLL_INTERVAL" default:"60s"`
	RequestsPerMin   int           `env:"VC_RATE_LIMIT_RPM" default:"60"`
	RequestTimeout   time.Duration `env:"VC_REQUEST_TIMEOUT" default:"30s"`
	DedupCapacity    int           `env:"VC_DEDUP_CAPACITY" default:"10000"`
	MaxRetryAttempts int           `env:"VC_MAX_RETRY_ATTEMPTS" default:"3"`
}

type MonitorConfig struct {
	WindowCapacity       int           `env:"VC_WINDOW_CAPACITY" default:"200"`
	WindowHorizon        time.Duration `env:"VC_WINDOW_HORIZON" default:"1h"`
	CriticalThreshold    float64       `env:"VC_THRESHOLD_CRITICAL" default:"0.85"`
	WarningThreshold     float64       `env:"VC_THRESHOLD_WARNING" default:"0.90"`
	TargetThreshold      float64       `env:"VC_THRESHOLD_TARGET" default:"0.95"`
	ExcellentThreshold   float64       `env:"VC_THRESHOLD_EXCELLENT" default:"0.98"`
	BreachConsecutiveK   int           `env:"VC_BREACH_K" default:"5"`
	ClearConsecutiveK    int           `env:"VC_CLEAR_K" default:"5"`
	ClearHysteresis      float64       `env:"VC_CLEAR_HYSTERESIS" default:"0.02"`
	TrendSlopeThreshold  float64       `env:"VC_TREND_SLOPE_THRESHOLD" default:"-0.002"`
	TrendMeanCeiling     float64       `env:"VC_TREND_MEAN_CEILING" default:"0.92"`
	VarianceStdevLimit   float64       `env:"VC_VARIANCE_STDEV_LIMIT" default:"0.08"`
	ForecastEveryN       int           `env:"VC_FORECAST_EVERY_N" default:"20"`
	ForecastInterval     time.Duration `env:"VC_FORECAST_INTERVAL" default:"15m"`
	ForecastHorizon      time.Duration `env:"VC_FORECAST_HORIZON" default:"168h"`
	ForecastSmoothingAlpha float64     `env:"VC_FORECAST_ALPHA" default:"0.3"`
	ReorderWindow        time.Duration `env:"VC_REORDER_WINDOW" default:"30s"`
}

type AlertBusConfig struct {
	QueueCapacity int           `env:"VC_ALERT_QUEUE_CAPACITY" default:"10000"`
	Cooldown      time.Duration `env:"VC_ALERT_COOLDOWN" default:"5m"`
}

type LearningStoreConfig struct {
	StoragePath  string `env:"VC_LEARNING_STORE_PATH" default:"./data/learning.store"`
	MinSupport   int    `env:"VC_LEARNING_MIN_SUPPORT" default:"3"`
	RedisURL     string `env:"VC_LEARNING_REDIS_URL"`
	MaxEntries   int    `env:"VC_LEARNING_MAX_ENTRIES" default:"100000"`
}

type OptimizationConfig struct {
	ScheduledCycleInterval time.Duration `env:"VC_OPT_CYCLE_INTERVAL" default:"4h"`
	Cooldown               time.Duration `env:"VC_OPT_COOLDOWN" default:"1h"`
	ConcurrencyCap         int           `env:"VC_OPT_CONCURRENCY_CAP" default:"3"`
	MaxCandidates          int           `env:"VC_OPT_MAX_CANDIDATES" default:"4"`
	ABTestMinSamplesPerArm int           `env:"VC_AB_N_MIN" default:"10"`
	ABTestTargetSamplesPerArm int        `env:"VC_AB_TARGET_N" default:"30"`
	ABTestPValue           float64       `env:"VC_AB_PVALUE" default:"0.05"`
	ABTestMinImprovement   float64       `env:"VC_AB_MIN_IMPROVEMENT" default:"0.02"`
	CycleBudget            time.Duration `env:"VC_CYCLE_BUDGET" default:"30m"`
	TopNTraces             int           `env:"VC_OPT_TOP_N_TRACES" default:"50"`
}

type DeploymentConfig struct {
	SnapshotDir          string  `env:"VC_SNAPSHOT_DIR" default:"./data/snapshots"`
	DeploymentsLogPath   string  `env:"VC_DEPLOYMENTS_LOG_PATH" default:"./data/deployments.log"`
	ValidationMinMean    float64 `env:"VC_VALIDATION_MIN_MEAN" default:"0.90"`
	ValidationMaxRegress float64 `env:"VC_VALIDATION_MAX_REGRESSION" default:"0.05"`
	ServingConfigPath    string  `env:"VC_SERVING_CONFIG_PATH" default:"./data/serving-config.yaml"`
}

type HTTPConfig struct {
	Port              int           `env:"VC_HTTP_PORT" default:"8080"`
	ReadTimeout       time.Duration `env:"VC_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout      time.Duration `env:"VC_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownGrace     time.Duration `env:"VC_SHUTDOWN_GRACE" default:"10s"`
	ControlRateLimit  int           `env:"VC_CONTROL_RATE_LIMIT_RPM" default:"60"`
}

type LoggingConfig struct {
	Level  string `env:"VC_LOG_LEVEL" default:"INFO"`
	Format string `env:"VC_LOG_FORMAT"`
}

type TelemetryConfig struct {
	Enabled      bool   `env:"VC_TELEMETRY_ENABLED" default:"false"`
	ExporterKind string `env:"VC_OTEL_EXPORTER" default:"otlp"`
	Endpoint     string `env:"VC_OTEL_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"VC_SERVICE_NAME" default:"virtuous-cycle"`
}

// Option mutates a Config after defaults and environment have been applied.
type Option func(*Config) error

func WithObservabilityCredentials(apiKey, orgID string) Option {
	return func(c *Config) error {
		c.TraceClient.APIKey = apiKey
		c.TraceClient.OrgID = orgID
		return nil
	}
}

func WithHTTPPort(port int) Option {
	return func(c *Config) error {
		c.HTTP.Port = port
		return nil
	}
}

func WithConcurrencyCap(n int) Option {
	return func(c *Config) error {
		c.Optimization.ConcurrencyCap = n
		return nil
	}
}

func WithStoragePaths(learningStorePath, deploymentsLogPath, snapshotDir string) Option {
	return func(c *Config) error {
		c.Learning.StoragePath = learningStorePath
		c.Deployment.DeploymentsLogPath = deploymentsLogPath
		c.Deployment.SnapshotDir = snapshotDir
		return nil
	}
}

// New builds a Config from defaults, then environment, then opts, then
// validates the result.
func New(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("vcconfig: load env: %w", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("vcconfig: apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vcconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		TraceClient: TraceClientConfig{
			PollInterval: 60 * time.Second, RequestsPerMin: 60, RequestTimeout: 30 * time.Second,
			DedupCapacity: 10000, MaxRetryAttempts: 3,
		},
		Monitor: MonitorConfig{
			WindowCapacity: 200, WindowHorizon: time.Hour,
			CriticalThreshold: 0.85, WarningThreshold: 0.90, TargetThreshold: 0.95, ExcellentThreshold: 0.98,
			BreachConsecutiveK: 5, ClearConsecutiveK: 5, ClearHysteresis: 0.02,
			TrendSlopeThreshold: -0.002, TrendMeanCeiling: 0.92, VarianceStdevLimit: 0.08,
			ForecastEveryN: 20, ForecastInterval: 15 * time.Minute, ForecastHorizon: 168 * time.Hour,
			ForecastSmoothingAlpha: 0.3, ReorderWindow: 30 * time.Second,
		},
		AlertBus: AlertBusConfig{QueueCapacity: 10000, Cooldown: 5 * time.Minute},
		Learning: LearningStoreConfig{
			StoragePath: "./data/learning.store", MinSupport: 3, MaxEntries: 100000,
		},
		Optimization: OptimizationConfig{
			ScheduledCycleInterval: 4 * time.Hour, Cooldown: time.Hour, ConcurrencyCap: 3,
			MaxCandidates: 4, ABTestMinSamplesPerArm: 10, ABTestTargetSamplesPerArm: 30,
			ABTestPValue: 0.05, ABTestMinImprovement: 0.02, CycleBudget: 30 * time.Minute,
			TopNTraces: 50,
		},
		Deployment: DeploymentConfig{
			SnapshotDir: "./data/snapshots", DeploymentsLogPath: "./data/deployments.log",
			ValidationMinMean: 0.90, ValidationMaxRegress: 0.05,
			ServingConfigPath: "./data/serving-config.yaml",
		},
		HTTP: HTTPConfig{
			Port: 8080, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second,
			ShutdownGrace: 10 * time.Second, ControlRateLimit: 60,
		},
		Logging:   LoggingConfig{Level: "INFO"},
		Telemetry: TelemetryConfig{ExporterKind: "otlp", ServiceName: "virtuous-cycle"},
	}
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("VC_OBSERVABILITY_BASE_URL"); v != "" {
		c.TraceClient.BaseURL = v
	}
	if v := os.Getenv("VC_OBSERVABILITY_API_KEY"); v != "" {
		c.TraceClient.APIKey = v
	}
	if v := os.Getenv("VC_OBSERVABILITY_ORG_ID"); v != "" {
		c.TraceClient.OrgID = v
	}
	if v := os.Getenv("VC_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VC_POLL_INTERVAL: %w", err)
		}
		c.TraceClient.PollInterval = d
	}
	if v := os.Getenv("VC_RATE_LIMIT_RPM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VC_RATE_LIMIT_RPM: %w", err)
		}
		c.TraceClient.RequestsPerMin = n
	}
	if v := os.Getenv("VC_THRESHOLD_CRITICAL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VC_THRESHOLD_CRITICAL: %w", err)
		}
		c.Monitor.CriticalThreshold = f
	}
	if v := os.Getenv("VC_THRESHOLD_WARNING"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VC_THRESHOLD_WARNING: %w", err)
		}
		c.Monitor.WarningThreshold = f
	}
	if v := os.Getenv("VC_OPT_CONCURRENCY_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VC_OPT_CONCURRENCY_CAP: %w", err)
		}
		c.Optimization.ConcurrencyCap = n
	}
	if v := os.Getenv("VC_HTTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VC_HTTP_PORT: %w", err)
		}
		c.HTTP.Port = n
	}
	if v := os.Getenv("VC_LEARNING_STORE_PATH"); v != "" {
		c.Learning.StoragePath = v
	}
	if v := os.Getenv("VC_LEARNING_REDIS_URL"); v != "" {
		c.Learning.RedisURL = v
	}
	if v := os.Getenv("VC_DEPLOYMENTS_LOG_PATH"); v != "" {
		c.Deployment.DeploymentsLogPath = v
	}
	if v := os.Getenv("VC_SNAPSHOT_DIR"); v != "" {
		c.Deployment.SnapshotDir = v
	}
	if v := os.Getenv("VC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("VC_TELEMETRY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VC_TELEMETRY_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	if v := os.Getenv("VC_OTEL_EXPORTER"); v != "" {
		c.Telemetry.ExporterKind = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("VC_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	return nil
}

// Validate checks required fields and sane ranges after defaults, env, and
// options have all been applied.
func (c *Config) Validate() error {
	if c.TraceClient.APIKey == "" {
		return fmt.Errorf("VC_OBSERVABILITY_API_KEY is required")
	}
	if c.TraceClient.OrgID == "" {
		return fmt.Errorf("VC_OBSERVABILITY_ORG_ID is required")
	}
	if c.TraceClient.BaseURL == "" {
		return fmt.Errorf("VC_OBSERVABILITY_BASE_URL is required")
	}
	if c.Monitor.CriticalThreshold >= c.Monitor.WarningThreshold ||
		c.Monitor.WarningThreshold >= c.Monitor.TargetThreshold ||
		c.Monitor.TargetThreshold >= c.Monitor.ExcellentThreshold {
		return fmt.Errorf("monitor thresholds must be strictly increasing: critical < warning < target < excellent")
	}
	if c.Optimization.ConcurrencyCap < 1 {
		return fmt.Errorf("VC_OPT_CONCURRENCY_CAP must be >= 1")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("VC_HTTP_PORT out of range")
	}
	return nil
}
