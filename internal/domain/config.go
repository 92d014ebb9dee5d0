package domain

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Tier selects the deployment backing. Every
// component is defined behind an interface with both backings compiled
// in; selecting a tier never forks code.
type Tier string

const (
	// TierStandalone: in-process durable queue, SQLite graph store,
	// in-memory LRU cache. Single node.
	TierStandalone Tier = "standalone"

	// TierClustered: Redis Streams queue, PostgreSQL graph store, Redis
	// two-phase cache. Multi-node capable.
	TierClustered Tier = "clustered"
)

// ServerConfig holds HTTP/WS server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
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
}

// FusionWeights are the fusion weights — configuration, not code constants,
// and must sum to 1.
type FusionWeights struct {
	Graph       float64 `json:"graph"`
	Behavioral  float64 `json:"behavioral"`
	Device      float64 `json:"device"`
	DeadAccount float64 `json:"deadAccount"`
	Velocity    float64 `json:"velocity"`
}

// Validate enforces the requirement that the weights sum to 1 with a
// small floating-point tolerance.
func (w FusionWeights) Validate() error {
	sum := w.Graph + w.Behavioral + w.Device + w.DeadAccount + w.Velocity
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("fusion weights must sum to 1, got %f", sum)
	}
	return nil
}

// Thresholds are the enumerated configuration thresholds.
type Thresholds struct {
	High                float64 // risk level HIGH cutoff (default 70)
	Medium              float64 // risk level / alert MEDIUM cutoff (default 40)
	DormancyDays        float64 // days of inactivity to flag dormant (default 30)
	VelocityWindowSecs  int     // velocity window width (default 60)
	BurstThreshold      int     // activity count considered a burst (default 10)
	ImpossibleTravelKmh float64 // Haversine speed implying impossible travel (default 250)
}

// V3SignalParams are the v3 signal parameters governing the newer
// behavioural rules added on top of the original rule set.
type V3SignalParams struct {
	MultiUserThreshold   int     // distinct accounts on a device within 24h (default 3)
	MultiUserPenalty     float64 // default 25.0
	CircadianPenalty     float64 // default 20.0
	CircadianCompound    float64 // circadian + first-seen device (default 35.0)
	IdenticalityMinCount int     // identical-amount structuring count (default 3)
	IdenticalityPenalty  float64 // default 30.0
	SleepFlashRatio      float64 // amount/mean ratio for sleep-and-flash (default 50.0)
	NewDeviceHighAmount  float64 // default 10000
	EndpointRotationMax  int     // distinct endpoints/24h that trips rotation (default 5)
}

// AnalyzerConfig governs the batch graph analyzer.
type AnalyzerConfig struct {
	CadenceSeconds         int     // default 5
	MoneyRouterBetweenness float64 // default 0.01
	PageRankDamping        float64 // default 0.85
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Count          int // default 4
	BatchSize      int // default 16
	SoftDeadlineMs int // default 200
}

// GraphStoreConfig selects and configures the graph store backing.
type GraphStoreConfig struct {
	Driver string // "sqlite" or "postgres"

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int // default 50, bounded
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Config holds the complete fraud-scoring engine configuration.
type Config struct {
	Server ServerConfig `json:"server"`
	Tier   Tier         `json:"tier"`

	GraphStore GraphStoreConfig `json:"graphStore"`
	Stream     StreamConfig     `json:"stream"`
	Cache      CacheConfig      `json:"cache"`

	Worker   WorkerConfig   `json:"worker"`
	Analyzer AnalyzerConfig `json:"analyzer"`

	Fusion     FusionWeights  `json:"fusion"`
	Thresholds Thresholds     `json:"thresholds"`
	V3Signals  V3SignalParams `json:"v3Signals"`

	ASNDatabasePath string `json:"asnDatabasePath"`
	AlertWebhookURL string `json:"alertWebhookUrl"`
	DomesticCountry string `json:"domesticCountry"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DefaultConfig returns the standalone-tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, ReadTimeout: 30, WriteTimeout: 30},
		Tier:   TierStandalone,
		GraphStore: GraphStoreConfig{
			Driver:       "sqlite",
			SQLitePath:   "./fraudscope.db",
			MaxOpenConns: 50,
		},
		Stream: StreamConfig{
			Type:                "memory",
			Key:                 "fraudscope.transactions",
			Group:               "fraudscope-workers",
			VisibilityTimeoutMs: 30000,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		Worker: WorkerConfig{Count: 4, BatchSize: 16, SoftDeadlineMs: 200},
		Analyzer: AnalyzerConfig{
			CadenceSeconds:         5,
			MoneyRouterBetweenness: 0.01,
			PageRankDamping:        0.85,
		},
		Fusion: FusionWeights{
			Graph: 0.30, Behavioral: 0.25, Device: 0.20, DeadAccount: 0.15, Velocity: 0.10,
		},
		Thresholds: Thresholds{
			High: 70, Medium: 40, DormancyDays: 30,
			VelocityWindowSecs: 60, BurstThreshold: 10, ImpossibleTravelKmh: 250,
		},
		V3Signals: V3SignalParams{
			MultiUserThreshold: 3, MultiUserPenalty: 25.0,
			CircadianPenalty: 20.0, CircadianCompound: 35.0,
			IdenticalityMinCount: 3, IdenticalityPenalty: 30.0,
			SleepFlashRatio: 50.0, NewDeviceHighAmount: 10000,
			EndpointRotationMax: 5,
		},
		DomesticCountry: "IN",
		Logging:         LoggingConfig{Level: "info", Format: "json"},
		Tracing:         TracingConfig{Enabled: false, ServiceName: "fraudscope"},
	}
}

// ClusteredConfig returns the clustered-tier configuration.
func ClusteredConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierClustered
	cfg.GraphStore = GraphStoreConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fraudscope",
		MaxOpenConns: 50,
	}
	cfg.Stream = StreamConfig{
		Type:                "redis",
		Key:                 "fraudscope.transactions",
		Group:               "fraudscope-workers",
		RedisAddr:           "localhost:6379",
		VisibilityTimeoutMs: 30000,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig returns the tier-appropriate defaults with environment
// variable overrides applied.
func LoadConfig() *Config {
	cfg := DefaultConfig()
	if os.Getenv("FRAUDSCOPE_TIER") == string(TierClustered) {
		cfg = ClusteredConfig()
	}

	cfg.Worker.Count = envInt("FRAUDSCOPE_WORKER_COUNT", cfg.Worker.Count)
	cfg.Worker.BatchSize = envInt("FRAUDSCOPE_WORKER_BATCH_SIZE", cfg.Worker.BatchSize)
	cfg.Worker.SoftDeadlineMs = envInt("FRAUDSCOPE_SOFT_DEADLINE_MS", cfg.Worker.SoftDeadlineMs)

	cfg.Stream.Key = envStr("FRAUDSCOPE_STREAM_KEY", cfg.Stream.Key)
	cfg.GraphStore.SQLitePath = envStr("FRAUDSCOPE_SQLITE_PATH", cfg.GraphStore.SQLitePath)
	cfg.GraphStore.PostgresHost = envStr("FRAUDSCOPE_PG_HOST", cfg.GraphStore.PostgresHost)
	cfg.GraphStore.MaxOpenConns = envInt("FRAUDSCOPE_POOL_SIZE", cfg.GraphStore.MaxOpenConns)
	cfg.Stream.RedisAddr = envStr("FRAUDSCOPE_REDIS_ADDR", cfg.Stream.RedisAddr)

	cfg.Fusion.Graph = envFloat("FRAUDSCOPE_WEIGHT_GRAPH", cfg.Fusion.Graph)
	cfg.Fusion.Behavioral = envFloat("FRAUDSCOPE_WEIGHT_BEHAVIORAL", cfg.Fusion.Behavioral)
	cfg.Fusion.Device = envFloat("FRAUDSCOPE_WEIGHT_DEVICE", cfg.Fusion.Device)
	cfg.Fusion.DeadAccount = envFloat("FRAUDSCOPE_WEIGHT_DEAD_ACCOUNT", cfg.Fusion.DeadAccount)
	cfg.Fusion.Velocity = envFloat("FRAUDSCOPE_WEIGHT_VELOCITY", cfg.Fusion.Velocity)

	cfg.Thresholds.High = envFloat("FRAUDSCOPE_THRESHOLD_HIGH", cfg.Thresholds.High)
	cfg.Thresholds.Medium = envFloat("FRAUDSCOPE_THRESHOLD_MEDIUM", cfg.Thresholds.Medium)
	cfg.Thresholds.DormancyDays = envFloat("FRAUDSCOPE_DORMANCY_DAYS", cfg.Thresholds.DormancyDays)
	cfg.Thresholds.VelocityWindowSecs = envInt("FRAUDSCOPE_VELOCITY_WINDOW_SECS", cfg.Thresholds.VelocityWindowSecs)
	cfg.Thresholds.BurstThreshold = envInt("FRAUDSCOPE_BURST_THRESHOLD", cfg.Thresholds.BurstThreshold)
	cfg.Thresholds.ImpossibleTravelKmh = envFloat("FRAUDSCOPE_IMPOSSIBLE_TRAVEL_KMH", cfg.Thresholds.ImpossibleTravelKmh)

	cfg.V3Signals.MultiUserThreshold = envInt("FRAUDSCOPE_MULTI_USER_THRESHOLD", cfg.V3Signals.MultiUserThreshold)
	cfg.V3Signals.MultiUserPenalty = envFloat("FRAUDSCOPE_MULTI_USER_PENALTY", cfg.V3Signals.MultiUserPenalty)
	cfg.V3Signals.CircadianPenalty = envFloat("FRAUDSCOPE_CIRCADIAN_PENALTY", cfg.V3Signals.CircadianPenalty)
	cfg.V3Signals.CircadianCompound = envFloat("FRAUDSCOPE_CIRCADIAN_COMPOUND", cfg.V3Signals.CircadianCompound)
	cfg.V3Signals.IdenticalityMinCount = envInt("FRAUDSCOPE_IDENTICALITY_MIN_COUNT", cfg.V3Signals.IdenticalityMinCount)
	cfg.V3Signals.IdenticalityPenalty = envFloat("FRAUDSCOPE_IDENTICALITY_PENALTY", cfg.V3Signals.IdenticalityPenalty)
	cfg.V3Signals.SleepFlashRatio = envFloat("FRAUDSCOPE_SLEEP_FLASH_RATIO", cfg.V3Signals.SleepFlashRatio)
	cfg.V3Signals.NewDeviceHighAmount = envFloat("FRAUDSCOPE_NEW_DEVICE_HIGH_AMOUNT", cfg.V3Signals.NewDeviceHighAmount)
	cfg.V3Signals.EndpointRotationMax = envInt("FRAUDSCOPE_ENDPOINT_ROTATION_MAX", cfg.V3Signals.EndpointRotationMax)

	cfg.Analyzer.CadenceSeconds = envInt("FRAUDSCOPE_ANALYZER_CADENCE_SECS", cfg.Analyzer.CadenceSeconds)
	cfg.Analyzer.MoneyRouterBetweenness = envFloat("FRAUDSCOPE_MONEY_ROUTER_BETWEENNESS", cfg.Analyzer.MoneyRouterBetweenness)

	cfg.ASNDatabasePath = envStr("FRAUDSCOPE_ASN_DB_PATH", cfg.ASNDatabasePath)
	cfg.AlertWebhookURL = envStr("FRAUDSCOPE_ALERT_WEBHOOK_URL", cfg.AlertWebhookURL)
	cfg.DomesticCountry = envStr("FRAUDSCOPE_DOMESTIC_COUNTRY", cfg.DomesticCountry)

	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
