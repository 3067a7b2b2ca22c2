// Package config loads bus configuration from the environment with optional
// YAML file overrides. Environment wins over file, file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full agent bus configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	LogLevel   string `yaml:"log_level" json:"log_level"`

	Bus          BusConfig          `yaml:"bus" json:"bus"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" json:"kafka"`
	OPA          OPAConfig          `yaml:"opa" json:"opa"`
	Audit        AuditConfig        `yaml:"audit" json:"audit"`
	Feedback     FeedbackConfig     `yaml:"feedback" json:"feedback"`
	Learning     LearningConfig     `yaml:"learning" json:"learning"`
	Guardrails   GuardrailsConfig   `yaml:"guardrails" json:"guardrails"`
	Deliberation DeliberationConfig `yaml:"deliberation" json:"deliberation"`
	Bundles      BundleConfig       `yaml:"bundles" json:"bundles"`
}

// BusConfig controls core bus behaviour.
type BusConfig struct {
	UseDynamicPolicy bool   `yaml:"use_dynamic_policy" json:"use_dynamic_policy"`
	UseKafka         bool   `yaml:"use_kafka" json:"use_kafka"`
	UseRedisRegistry bool   `yaml:"use_redis_registry" json:"use_redis_registry"`
	QueueSize        int    `yaml:"queue_size" json:"queue_size"` // 0 = unbounded
	JWTPublicKeyPath string `yaml:"jwt_public_key_path" json:"jwt_public_key_path"`
	StopTimeoutMs    int    `yaml:"stop_timeout_ms" json:"stop_timeout_ms"`
}

// RedisConfig covers both the distributed registry and the shared cache tier.
type RedisConfig struct {
	URL       string `yaml:"url" json:"url"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// KafkaConfig controls the external transport bridge.
type KafkaConfig struct {
	Bootstrap        string `yaml:"bootstrap" json:"bootstrap"`
	ProduceTimeoutMs int    `yaml:"produce_timeout_ms" json:"produce_timeout_ms"`
	FeedbackTopic    string `yaml:"feedback_topic" json:"feedback_topic"`
	FeedbackGroup    string `yaml:"feedback_group" json:"feedback_group"`
}

// OPAConfig points at the policy engine.
type OPAConfig struct {
	URL          string `yaml:"url" json:"url"`
	TimeoutMs    int    `yaml:"timeout_ms" json:"timeout_ms"`
	CacheTTLSec  int    `yaml:"cache_ttl_sec" json:"cache_ttl_sec"`
	CacheSize    int    `yaml:"cache_size" json:"cache_size"`
	DecisionPath string `yaml:"decision_path" json:"decision_path"`
}

// AuditConfig points at the audit ledger service.
type AuditConfig struct {
	URL       string `yaml:"url" json:"url"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// FeedbackConfig selects the feedback persistence backend.
type FeedbackConfig struct {
	DatabaseURL string `yaml:"database_url" json:"database_url"`
}

// LearningConfig tunes the online-learning and drift loops.
type LearningConfig struct {
	MinSamplesForPrediction int     `yaml:"min_samples_for_prediction" json:"min_samples_for_prediction"`
	MinSamplesForDrift      int     `yaml:"min_samples_for_drift" json:"min_samples_for_drift"`
	DriftPSIThreshold       float64 `yaml:"drift_psi_threshold" json:"drift_psi_threshold"`
	DriftShareThreshold     float64 `yaml:"drift_share_threshold" json:"drift_share_threshold"`
	EnableColdStartFallback bool    `yaml:"enable_cold_start_fallback" json:"enable_cold_start_fallback"`
}

// GuardrailsConfig tunes the runtime safety pipeline.
type GuardrailsConfig struct {
	FailClosed        bool `yaml:"fail_closed" json:"fail_closed"`
	PipelineTimeoutMs int  `yaml:"pipeline_timeout_ms" json:"pipeline_timeout_ms"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstLimit        int  `yaml:"burst_limit" json:"burst_limit"`
	BlockDurationSec  int  `yaml:"block_duration_sec" json:"block_duration_sec"`
	MaxContentBytes   int  `yaml:"max_content_bytes" json:"max_content_bytes"`
	SandboxEnabled    bool `yaml:"sandbox_enabled" json:"sandbox_enabled"`
}

// DeliberationConfig tunes impact scoring and the review queue.
type DeliberationConfig struct {
	RequiredThreshold float64 `yaml:"required_threshold" json:"required_threshold"`
	TimeoutSec        int     `yaml:"timeout_sec" json:"timeout_sec"`
	ConsensusRatio    float64 `yaml:"consensus_ratio" json:"consensus_ratio"`
	RequiredVotes     int     `yaml:"required_votes" json:"required_votes"`
}

// BundleConfig selects the policy bundle store.
type BundleConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "file" | "s3" | "gcs"
	Path    string `yaml:"path" json:"path"`
	Bucket  string `yaml:"bucket" json:"bucket"`
	Prefix  string `yaml:"prefix" json:"prefix"`
}

// Load builds a Config from environment variables with production defaults.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML config file, then lets the environment override it.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr: ":8090",
		LogLevel:   "INFO",
		Bus: BusConfig{
			StopTimeoutMs: 5000,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			TimeoutMs: 5000,
		},
		Kafka: KafkaConfig{
			ProduceTimeoutMs: 10000,
			FeedbackTopic:    "governance.feedback.v1",
			FeedbackGroup:    "river-learner",
		},
		OPA: OPAConfig{
			URL:          "http://localhost:8181",
			TimeoutMs:    5000,
			CacheTTLSec:  300,
			CacheSize:    1000,
			DecisionPath: "acgs.constitutional.validate",
		},
		Audit: AuditConfig{
			TimeoutMs: 5000,
		},
		Learning: LearningConfig{
			MinSamplesForPrediction: 500,
			MinSamplesForDrift:      100,
			DriftPSIThreshold:       0.2,
			DriftShareThreshold:     0.5,
		},
		Guardrails: GuardrailsConfig{
			FailClosed:        true,
			PipelineTimeoutMs: 15000,
			RequestsPerMinute: 60,
			BurstLimit:        10,
			BlockDurationSec:  300,
			MaxContentBytes:   1 << 20,
		},
		Deliberation: DeliberationConfig{
			RequiredThreshold: 0.8,
			TimeoutSec:        300,
			ConsensusRatio:    0.66,
			RequiredVotes:     5,
		},
		Bundles: BundleConfig{
			Backend: "file",
			Path:    "bundles",
		},
	}
}

func applyEnv(cfg *Config) {
	envStr(&cfg.ListenAddr, "LISTEN_ADDR")
	envStr(&cfg.LogLevel, "LOG_LEVEL")

	envBool(&cfg.Bus.UseDynamicPolicy, "USE_DYNAMIC_POLICY")
	envBool(&cfg.Bus.UseKafka, "USE_KAFKA")
	envBool(&cfg.Bus.UseRedisRegistry, "USE_REDIS_REGISTRY")
	envInt(&cfg.Bus.QueueSize, "BUS_QUEUE_SIZE")
	envStr(&cfg.Bus.JWTPublicKeyPath, "JWT_PUBLIC_KEY_PATH")

	envStr(&cfg.Redis.URL, "REDIS_URL")
	envStr(&cfg.Kafka.Bootstrap, "KAFKA_BOOTSTRAP")
	envStr(&cfg.Kafka.FeedbackTopic, "KAFKA_FEEDBACK_TOPIC")
	envStr(&cfg.OPA.URL, "OPA_URL")
	envStr(&cfg.Audit.URL, "AUDIT_URL")
	envStr(&cfg.Feedback.DatabaseURL, "DATABASE_URL")

	envInt(&cfg.Learning.MinSamplesForPrediction, "MIN_SAMPLES_FOR_PREDICTION")
	envInt(&cfg.Learning.MinSamplesForDrift, "MIN_SAMPLES_FOR_DRIFT")
	envFloat(&cfg.Learning.DriftPSIThreshold, "DRIFT_PSI_THRESHOLD")
	envFloat(&cfg.Learning.DriftShareThreshold, "DRIFT_SHARE_THRESHOLD")
	envBool(&cfg.Learning.EnableColdStartFallback, "ENABLE_COLD_START_FALLBACK")

	envBool(&cfg.Guardrails.FailClosed, "GUARDRAILS_FAIL_CLOSED")
	envBool(&cfg.Guardrails.SandboxEnabled, "GUARDRAILS_SANDBOX_ENABLED")
	envFloat(&cfg.Deliberation.RequiredThreshold, "DELIBERATION_REQUIRED_THRESHOLD")

	envStr(&cfg.Bundles.Backend, "BUNDLE_BACKEND")
	envStr(&cfg.Bundles.Path, "BUNDLE_PATH")
	envStr(&cfg.Bundles.Bucket, "BUNDLE_BUCKET")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
