package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	PostgresHost         string `mapstructure:"postgres_host"          validate:"required"`
	PostgresUsername     string `mapstructure:"postgres_username"      validate:"required"`
	PostgresPassword     string `mapstructure:"postgres_password"      validate:"required"`
	PostgresPort         string `mapstructure:"postgres_port"          validate:"required"`
	PostgresDatabase     string `mapstructure:"postgres_database"      validate:"required"`
	PostgresSecondaryDSN string `mapstructure:"postgres_secondary_dsn"`
	PostgresTertiaryDSN  string `mapstructure:"postgres_tertiary_dsn"`
	// comma separated
	PostgresReplicaDSNs string `mapstructure:"postgres_replica_dsns"`

	DBMaxConnections        int    `mapstructure:"db_max_connections"         validate:"gte=1"`
	DBMinConnections        int    `mapstructure:"db_min_connections"         validate:"gte=0"`
	DBStatementTimeout      int    `mapstructure:"db_statement_timeout"`
	DBSlowQueryThresholdMs  int    `mapstructure:"db_slow_query_threshold_ms"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	ReplicaCheckInterval      int  `mapstructure:"replica_check_interval"`
	ReplicaMaxResponseTimeMs  int  `mapstructure:"replica_max_response_time_ms"`
	ReplicaLagHealthySeconds  int  `mapstructure:"replica_lag_healthy_seconds"`
	ReplicaLagDegradedSeconds int  `mapstructure:"replica_lag_degraded_seconds"`
	ReplicaLagFailOpen        bool `mapstructure:"replica_lag_fail_open"`
	ReplicaPreferPrimary      bool `mapstructure:"replica_prefer_primary"`

	FailoverThreshold        int  `mapstructure:"failover_threshold"         validate:"gte=1"`
	FailoverHealthInterval   int  `mapstructure:"failover_health_interval"`
	FailoverRecoveryInterval int  `mapstructure:"failover_recovery_interval"`
	FailoverAutoFailback     bool `mapstructure:"failover_auto_failback"`
	FailoverWaitTimeout      int  `mapstructure:"failover_wait_timeout"`

	RedisAddr     string `mapstructure:"redis_addr"     validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	QueueConcurrency      int `mapstructure:"queue_concurrency"       validate:"gte=1"`
	QueueMaxAttempts      int `mapstructure:"queue_max_attempts"      validate:"gte=1"`
	QueueBackoffSeconds   int `mapstructure:"queue_backoff_seconds"`
	QueueJobTimeout       int `mapstructure:"queue_job_timeout"`
	QueueShutdownTimeout  int `mapstructure:"queue_shutdown_timeout"`
	QueueRetentionHours   int `mapstructure:"queue_retention_hours"`
	QueueDeadLetterWarnAt int `mapstructure:"queue_dead_letter_warn_at"`

	ASRBaseUrl               string `mapstructure:"asr_base_url"                validate:"required"`
	ASRAPIKey                string `mapstructure:"asr_api_key"`
	ASRTimeout               int    `mapstructure:"asr_timeout"`
	ASRModel                 string `mapstructure:"asr_model"                   validate:"required"`
	ASRRetryMaxAttempts      uint   `mapstructure:"asr_retry_max_attempts"`
	ASRRetryMinBackoff       int    `mapstructure:"asr_retry_min_backoff"`
	ASRRetryMaxBackoff       int    `mapstructure:"asr_retry_max_backoff"`
	ASRIntervalCB            uint32 `mapstructure:"asr_interval_cb"`
	ASRConsecutiveFailuresCB uint32 `mapstructure:"asr_consecutive_failures_cb"`
	ASRPoolSize              int    `mapstructure:"asr_pool_size"`
	TranscriptionTimeout     int    `mapstructure:"transcription_timeout"`

	ExtractionBaseUrl               string `mapstructure:"extraction_base_url"                validate:"required"`
	ExtractionAPIKey                string `mapstructure:"extraction_api_key"`
	ExtractionModel                 string `mapstructure:"extraction_model"                   validate:"required"`
	ExtractionTimeout               int    `mapstructure:"extraction_timeout"`
	ExtractionRetryMaxAttempts      uint   `mapstructure:"extraction_retry_max_attempts"`
	ExtractionIntervalCB            uint32 `mapstructure:"extraction_interval_cb"`
	ExtractionConsecutiveFailuresCB uint32 `mapstructure:"extraction_consecutive_failures_cb"`

	MinioEndpointURL            string `mapstructure:"minio_endpoint_url"`
	MinioAccessKey              string `mapstructure:"minio_access_key"`
	MinioSecretKey              string `mapstructure:"minio_secret_key"`
	MinioSecure                 bool   `mapstructure:"minio_secure"`
	MinioMaxRetryAttempts       uint   `mapstructure:"minio_max_retry_attempts"`
	MinioRetryBackoffMinSeconds int    `mapstructure:"minio_retry_backoff_min_seconds"`
	MinioRetryBackoffMaxSeconds int    `mapstructure:"minio_retry_backoff_max_seconds"`
	MinioTimeout                int    `mapstructure:"minio_timeout"`
	MinioIntervalCB             uint32 `mapstructure:"minio_interval_cb"`
	MinioConsecutiveFailuresCB  uint32 `mapstructure:"minio_consecutive_failures_cb"`

	KafkaEnabled               bool   `mapstructure:"kafka_enabled"`
	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required_if=KafkaEnabled true"`
	KafkaUsername              string `mapstructure:"kafka_username"`
	KafkaPassword              string `mapstructure:"kafka_password"`
	KafkaIntakeTopic           string `mapstructure:"kafka_intake_topic"            validate:"required_if=KafkaEnabled true"`
	KafkaIntakeGroupID         string `mapstructure:"kafka_intake_group_id"         validate:"required_if=KafkaEnabled true"`
	KafkaResultTopic           string `mapstructure:"kafka_result_topic"            validate:"required_if=KafkaEnabled true"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	AlertCheckInterval int    `mapstructure:"alert_check_interval"`
	AlertCooldown      int    `mapstructure:"alert_cooldown"`
	AlertTTL           int    `mapstructure:"alert_ttl"`
	AlertHistoryLimit  int    `mapstructure:"alert_history_limit"`
	AlertWebhookURL    string `mapstructure:"alert_webhook_url"`
	AlertMinCacheOps   int64  `mapstructure:"alert_min_cache_ops"`

	AlertErrorRateWarn  float64 `mapstructure:"alert_error_rate_warning"`
	AlertErrorRateCrit  float64 `mapstructure:"alert_error_rate_critical"`
	AlertErrorRateEmerg float64 `mapstructure:"alert_error_rate_emergency"`
	AlertResponseWarn   float64 `mapstructure:"alert_response_time_warning"`
	AlertResponseCrit   float64 `mapstructure:"alert_response_time_critical"`
	AlertResponseEmerg  float64 `mapstructure:"alert_response_time_emergency"`
	AlertQueueWarn      float64 `mapstructure:"alert_queue_depth_warning"`
	AlertQueueCrit      float64 `mapstructure:"alert_queue_depth_critical"`
	AlertQueueEmerg     float64 `mapstructure:"alert_queue_depth_emergency"`
	AlertMemoryWarn     float64 `mapstructure:"alert_memory_warning"`
	AlertMemoryCrit     float64 `mapstructure:"alert_memory_critical"`
	AlertMemoryEmerg    float64 `mapstructure:"alert_memory_emergency"`
	AlertCacheHitWarn   float64 `mapstructure:"alert_cache_hit_rate_warning"`
	AlertCacheHitCrit   float64 `mapstructure:"alert_cache_hit_rate_critical"`
	AlertCacheHitEmerg  float64 `mapstructure:"alert_cache_hit_rate_emergency"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

// Init loads the environment into Conf.
func Init() error {
	cfg, err := Load()
	if err != nil {
		return err
	}

	Conf = *cfg

	return nil
}

func Load() (*Config, error) {
	var cfg Config

	err := loadEnvConfig(&cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

// ReplicaDSNs splits PostgresReplicaDSNs, dropping blanks.
func (c *Config) ReplicaDSNs() []string {
	var dsns []string

	for _, dsn := range strings.Split(c.PostgresReplicaDSNs, ",") {
		dsn = strings.TrimSpace(dsn)
		if dsn != "" {
			dsns = append(dsns, dsn)
		}
	}

	return dsns
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")

	viper.SetDefault("DB_MAX_CONNECTIONS", "20")
	viper.SetDefault("DB_MIN_CONNECTIONS", "2")
	viper.SetDefault("DB_STATEMENT_TIMEOUT", "30")
	viper.SetDefault("DB_SLOW_QUERY_THRESHOLD_MS", "1000")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")

	viper.SetDefault("REPLICA_CHECK_INTERVAL", "30")
	viper.SetDefault("REPLICA_MAX_RESPONSE_TIME_MS", "5000")
	viper.SetDefault("REPLICA_LAG_HEALTHY_SECONDS", "10")
	viper.SetDefault("REPLICA_LAG_DEGRADED_SECONDS", "30")
	viper.SetDefault("REPLICA_LAG_FAIL_OPEN", "true")
	viper.SetDefault("REPLICA_PREFER_PRIMARY", "false")

	viper.SetDefault("FAILOVER_THRESHOLD", "3")
	viper.SetDefault("FAILOVER_HEALTH_INTERVAL", "10")
	viper.SetDefault("FAILOVER_RECOVERY_INTERVAL", "30")
	viper.SetDefault("FAILOVER_AUTO_FAILBACK", "true")
	viper.SetDefault("FAILOVER_WAIT_TIMEOUT", "10")

	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", "0")

	viper.SetDefault("QUEUE_CONCURRENCY", "5")
	viper.SetDefault("QUEUE_MAX_ATTEMPTS", "3")
	viper.SetDefault("QUEUE_BACKOFF_SECONDS", "5")
	viper.SetDefault("QUEUE_JOB_TIMEOUT", "900")
	viper.SetDefault("QUEUE_SHUTDOWN_TIMEOUT", "30")
	viper.SetDefault("QUEUE_RETENTION_HOURS", "24")
	viper.SetDefault("QUEUE_DEAD_LETTER_WARN_AT", "10")

	viper.SetDefault("ASR_TIMEOUT", "120")
	viper.SetDefault("ASR_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("ASR_RETRY_MIN_BACKOFF", "1")
	viper.SetDefault("ASR_RETRY_MAX_BACKOFF", "10")
	viper.SetDefault("ASR_INTERVAL_CB", "30")
	viper.SetDefault("ASR_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("ASR_POOL_SIZE", "10")
	viper.SetDefault("TRANSCRIPTION_TIMEOUT", "300")

	viper.SetDefault("EXTRACTION_TIMEOUT", "60")
	viper.SetDefault("EXTRACTION_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("EXTRACTION_INTERVAL_CB", "30")
	viper.SetDefault("EXTRACTION_CONSECUTIVE_FAILURES_CB", "3")

	viper.SetDefault("MINIO_SECURE", "true")
	viper.SetDefault("MINIO_MAX_RETRY_ATTEMPTS", "3")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MIN_SECONDS", "1")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MAX_SECONDS", "10")
	viper.SetDefault("MINIO_TIMEOUT", "60")
	viper.SetDefault("MINIO_INTERVAL_CB", "300")
	viper.SetDefault("MINIO_CONSECUTIVE_FAILURES_CB", "3")

	viper.SetDefault("KAFKA_ENABLED", "false")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")

	viper.SetDefault("ALERT_CHECK_INTERVAL", "60")
	viper.SetDefault("ALERT_COOLDOWN", "300")
	viper.SetDefault("ALERT_TTL", "3600")
	viper.SetDefault("ALERT_HISTORY_LIMIT", "1000")
	viper.SetDefault("ALERT_MIN_CACHE_OPS", "100")
	viper.SetDefault("ALERT_ERROR_RATE_WARNING", "10")
	viper.SetDefault("ALERT_ERROR_RATE_CRITICAL", "50")
	viper.SetDefault("ALERT_ERROR_RATE_EMERGENCY", "100")
	viper.SetDefault("ALERT_RESPONSE_TIME_WARNING", "1000")
	viper.SetDefault("ALERT_RESPONSE_TIME_CRITICAL", "3000")
	viper.SetDefault("ALERT_RESPONSE_TIME_EMERGENCY", "5000")
	viper.SetDefault("ALERT_QUEUE_DEPTH_WARNING", "100")
	viper.SetDefault("ALERT_QUEUE_DEPTH_CRITICAL", "500")
	viper.SetDefault("ALERT_QUEUE_DEPTH_EMERGENCY", "1000")
	viper.SetDefault("ALERT_MEMORY_WARNING", "70")
	viper.SetDefault("ALERT_MEMORY_CRITICAL", "85")
	viper.SetDefault("ALERT_MEMORY_EMERGENCY", "95")
	viper.SetDefault("ALERT_CACHE_HIT_RATE_WARNING", "70")
	viper.SetDefault("ALERT_CACHE_HIT_RATE_CRITICAL", "50")
	viper.SetDefault("ALERT_CACHE_HIT_RATE_EMERGENCY", "30")

	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
