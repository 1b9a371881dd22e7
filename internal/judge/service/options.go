package service

import (
	"time"
)

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queueSize"`
	RateLimit  int           `yaml:"rateLimit"`
	RateWindow time.Duration `yaml:"rateWindow"`

	MaxAttempts int           `yaml:"maxAttempts"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`

	LockDuration    time.Duration `yaml:"lockDuration"`
	StalledInterval time.Duration `yaml:"stalledInterval"`
	MaxStalledCount int           `yaml:"maxStalledCount"`

	JobTimeout    time.Duration `yaml:"jobTimeout"`
	PurgeInterval time.Duration `yaml:"purgeInterval"`

	MaxSourceBytes int `yaml:"maxSourceBytes"`
	MaxTestCases   int `yaml:"maxTestCases"`
}

const (
	defaultWorkers         = 10
	defaultQueueSize       = 1000
	defaultRateLimit       = 10
	defaultRateWindow      = time.Second
	defaultMaxAttempts     = 3
	defaultBackoffBase     = time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultLockDuration    = 30 * time.Second
	defaultMaxStalledCount = 1
	defaultJobTimeout      = 60 * time.Second
	defaultPurgeInterval   = time.Minute
	defaultMaxSourceBytes  = 64 * 1024
	defaultMaxTestCases    = 100
)

// WithDefaults returns a copy with every unset field filled in.
func (o Options) WithDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.RateLimit <= 0 {
		o.RateLimit = defaultRateLimit
	}
	if o.RateWindow <= 0 {
		o.RateWindow = defaultRateWindow
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.LockDuration <= 0 {
		o.LockDuration = defaultLockDuration
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = o.LockDuration
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = defaultMaxStalledCount
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = defaultJobTimeout
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = defaultPurgeInterval
	}
	if o.MaxSourceBytes <= 0 {
		o.MaxSourceBytes = defaultMaxSourceBytes
	}
	if o.MaxTestCases <= 0 {
		o.MaxTestCases = defaultMaxTestCases
	}
	return o
}
