package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/controller"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/sandbox/engine"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/runner"
	"codejudge/internal/judge/service"
	"codejudge/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultWorkRoot        = "/tmp/codejudge"
	defaultSourceTimeout   = 5 * time.Second

	storeMemory = "memory"
	storeRedis  = "redis"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// HTTPConfig holds request handling settings.
type HTTPConfig struct {
	// WaitTimeout bounds how long /run and /judge wait before answering 202.
	WaitTimeout time.Duration `yaml:"waitTimeout"`
}

// JudgeConfig holds sandbox worker settings.
type JudgeConfig struct {
	WorkRoot       string        `yaml:"workRoot"`
	AllowStderr    bool          `yaml:"allowStderr"`
	CompileTimeout time.Duration `yaml:"compileTimeout"`
	RunTimeout     time.Duration `yaml:"runTimeout"`
	MemoryMB       int64         `yaml:"memoryMB"`
	NanoCPUs       int64         `yaml:"nanoCPUs"`
}

// LanguageConfig overrides the built-in language table when non-empty.
type LanguageConfig struct {
	Languages []profile.LanguageSpec `yaml:"languages"`
}

// StoreConfig selects where job records live.
type StoreConfig struct {
	Backend   string        `yaml:"backend"`
	ResultTTL time.Duration `yaml:"resultTTL"`
}

// KafkaConfig holds Kafka settings. Kafka is disabled without brokers.
type KafkaConfig struct {
	Brokers       []string       `yaml:"brokers"`
	ClientID      string         `yaml:"clientID"`
	MinBytes      int            `yaml:"minBytes"`
	MaxBytes      int            `yaml:"maxBytes"`
	MaxWait       time.Duration  `yaml:"maxWait"`
	BatchSize     int            `yaml:"batchSize"`
	BatchTimeout  time.Duration  `yaml:"batchTimeout"`
	DialTimeout   time.Duration  `yaml:"dialTimeout"`
	RequiredAcks  int            `yaml:"requiredAcks"`
	Topics        []string       `yaml:"topics"`
	TopicWeights  map[string]int `yaml:"topicWeights"`
	ConsumerGroup string         `yaml:"consumerGroup"`
	Concurrency   int            `yaml:"concurrency"`
	MaxRetries    int            `yaml:"maxRetries"`
	RetryDelay    time.Duration  `yaml:"retryDelay"`
	MessageTTL    time.Duration  `yaml:"messageTTL"`
	FinalTopic    string         `yaml:"finalTopic"`

	PoolRetry service.PoolRetryPolicy `yaml:"poolRetry"`
}

// Enabled reports whether Kafka intake and events are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// SourceConfig controls how referenced sources are fetched from MinIO.
type SourceConfig struct {
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig holds NATS request/reply settings. NATS is disabled without a url.
type NATSConfig struct {
	URL          string `yaml:"url"`
	Name         string `yaml:"name"`
	RunSubject   string `yaml:"runSubject"`
	JudgeSubject string `yaml:"judgeSubject"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	HTTP     HTTPConfig          `yaml:"http"`
	Logger   logger.Config       `yaml:"logger"`
	Judge    JudgeConfig         `yaml:"judge"`
	Queue    service.Options     `yaml:"queue"`
	Sandbox  engine.Config       `yaml:"sandbox"`
	Language LanguageConfig      `yaml:"language"`
	Store    StoreConfig         `yaml:"store"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Source   SourceConfig        `yaml:"source"`
	NATS     NATSConfig          `yaml:"nats"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads .env (when present) and the YAML file, then fills
// defaults and validates the result.
func loadAppConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyServerDefaults(&cfg.Server)
	applyRedisDefaults(&cfg.Redis)
	applyKafkaDefaults(&cfg.Kafka)
	cfg.Queue = cfg.Queue.WithDefaults()
	if cfg.HTTP.WaitTimeout <= 0 {
		cfg.HTTP.WaitTimeout = controller.DefaultWaitTimeout
	}
	if cfg.Judge.WorkRoot == "" {
		cfg.Judge.WorkRoot = defaultWorkRoot
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = storeMemory
	}
	if cfg.Store.ResultTTL <= 0 {
		cfg.Store.ResultTTL = repository.DefaultResultTTL
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Source.Timeout <= 0 {
		cfg.Source.Timeout = defaultSourceTimeout
	}
	if cfg.NATS.RunSubject == "" {
		cfg.NATS.RunSubject = controller.DefaultRunSubject
	}
	if cfg.NATS.JudgeSubject == "" {
		cfg.NATS.JudgeSubject = controller.DefaultJudgeSubject
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets live outside the YAML file.
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

func (c *AppConfig) validate() error {
	switch c.Store.Backend {
	case storeMemory:
	case storeRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if c.Kafka.Enabled() && len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("kafka topics are required when brokers are set")
	}
	for _, topic := range c.Kafka.Topics {
		if w := c.Kafka.TopicWeights[topic]; w <= 0 {
			return fmt.Errorf("invalid weight %d for topic %s", w, topic)
		}
	}
	if c.MinIO.Endpoint != "" && c.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required when minio is set")
	}
	return nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func applyKafkaDefaults(cfg *KafkaConfig) {
	if cfg.FinalTopic == "" {
		cfg.FinalTopic = repository.DefaultFinalTopic
	}
	if cfg.PoolRetry.RetryTopic == "" {
		cfg.PoolRetry.RetryTopic = "judge.retry"
	}
	if cfg.PoolRetry.MaxRetries <= 0 {
		cfg.PoolRetry.MaxRetries = 5
	}
	if cfg.PoolRetry.BaseDelay == 0 {
		cfg.PoolRetry.BaseDelay = time.Second
	}
	if cfg.PoolRetry.MaxDelay == 0 {
		cfg.PoolRetry.MaxDelay = 30 * time.Second
	}
	if len(cfg.TopicWeights) == 0 && len(cfg.Topics) > 0 {
		cfg.TopicWeights = defaultTopicWeights(cfg.Topics)
	}
}

func defaultTopicWeights(topics []string) map[string]int {
	weights := []int{8, 4, 2, 1}
	out := make(map[string]int, len(topics))
	for i, topic := range topics {
		if topic == "" {
			continue
		}
		if i < len(weights) {
			out[topic] = weights[i]
			continue
		}
		out[topic] = 1
	}
	return out
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
}

func (k KafkaConfig) weightedTopics() []mq.WeightedTopic {
	out := make([]mq.WeightedTopic, 0, len(k.Topics))
	for _, topic := range k.Topics {
		out = append(out, mq.WeightedTopic{Topic: topic, Weight: k.TopicWeights[topic]})
	}
	return out
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.PoolRetry.DeadLetterTopic,
		MessageTTL:      k.MessageTTL,
	}
}

func (j JudgeConfig) runnerConfig() runner.Config {
	return runner.Config{
		CompileTimeout: j.CompileTimeout,
		RunTimeout:     j.RunTimeout,
		MemoryMB:       j.MemoryMB,
		NanoCPUs:       j.NanoCPUs,
	}
}

func (l LanguageConfig) table() (*profile.Table, error) {
	if len(l.Languages) == 0 {
		return profile.DefaultTable(), nil
	}
	return profile.NewTable(l.Languages)
}
