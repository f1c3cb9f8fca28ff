package pooled

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for the Processor.
//
// All duration fields accept standard Go duration strings like "5s", "1m"
// when loaded from yaml.
type Config struct {
	// Name identifies this processor in the token store. Processors
	// sharing a name across the cluster cooperate on the same segments.
	Name string `yaml:"name"`

	// InitialSegmentCount is the number of segments created when the token
	// store holds none for this processor. Only used on first bootstrap.
	// Default: 32.
	InitialSegmentCount int `yaml:"initialSegmentCount"`

	// BatchSize is the maximum number of events one processing pass hands
	// to the batch processor. Default: 100.
	BatchSize int `yaml:"batchSize"`

	// InboxCapacity bounds the pending-event queue of each work package.
	// The coordinator pauses fan-out when every inbox is full.
	// Default: 1024.
	InboxCapacity int `yaml:"inboxCapacity"`

	// ClaimExtensionThreshold is how long a segment may sit idle before its
	// work package renews the claim without storing a token. Default: 5s.
	ClaimExtensionThreshold time.Duration `yaml:"claimExtensionThreshold"`

	// EventsPerPass bounds how many events one coordinator pass pulls from
	// the source. Default: 1024.
	EventsPerPass int `yaml:"eventsPerPass"`

	// IdleDelay is the coordinator reschedule delay when the source is
	// drained. Default: 500ms.
	IdleDelay time.Duration `yaml:"idleDelay"`

	// ErrorBackoff is the coordinator reschedule delay after a failed
	// pass. Default: 1s.
	ErrorBackoff time.Duration `yaml:"errorBackoff"`

	// ErrorThreshold is the number of consecutive failed coordination
	// passes after which the processor reports an error state. The
	// coordinator keeps retrying regardless. Default: 5.
	ErrorThreshold int `yaml:"errorThreshold"`

	// WorkerPoolSize is the number of goroutines in the default worker
	// executor. Ignored when a worker executor is supplied via
	// WithWorkerExecutor. Default: runtime.GOMAXPROCS(0).
	WorkerPoolSize int `yaml:"workerPoolSize"`
}

// SetDefaults fills in missing configuration values with defaults.
func SetDefaults(cfg *Config) {
	if cfg.InitialSegmentCount == 0 {
		cfg.InitialSegmentCount = 32
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.InboxCapacity == 0 {
		cfg.InboxCapacity = 1024
	}
	if cfg.ClaimExtensionThreshold == 0 {
		cfg.ClaimExtensionThreshold = 5 * time.Second
	}
	if cfg.EventsPerPass == 0 {
		cfg.EventsPerPass = 1024
	}
	if cfg.IdleDelay == 0 {
		cfg.IdleDelay = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.ErrorThreshold == 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = runtime.GOMAXPROCS(0)
	}
}

// Validate checks the configuration for invalid values. Defaults should be
// applied first.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfig)
	}
	if c.InitialSegmentCount < 1 {
		return fmt.Errorf("%w: initialSegmentCount must be at least 1", ErrInvalidConfig)
	}
	if c.InitialSegmentCount&(c.InitialSegmentCount-1) != 0 {
		// Segments partition the key space by hash mask; only power-of-two
		// counts cover every key.
		return fmt.Errorf("%w: initialSegmentCount must be a power of two", ErrInvalidConfig)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batchSize must be positive", ErrInvalidConfig)
	}
	if c.InboxCapacity < 1 {
		return fmt.Errorf("%w: inboxCapacity must be positive", ErrInvalidConfig)
	}
	if c.ClaimExtensionThreshold < 0 {
		return fmt.Errorf("%w: claimExtensionThreshold must not be negative", ErrInvalidConfig)
	}
	if c.EventsPerPass < 1 {
		return fmt.Errorf("%w: eventsPerPass must be positive", ErrInvalidConfig)
	}

	return nil
}

// UnmarshalYAML decodes a Config, accepting Go duration strings like "5s"
// for the duration fields.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name                    string `yaml:"name"`
		InitialSegmentCount     int    `yaml:"initialSegmentCount"`
		BatchSize               int    `yaml:"batchSize"`
		InboxCapacity           int    `yaml:"inboxCapacity"`
		ClaimExtensionThreshold string `yaml:"claimExtensionThreshold"`
		EventsPerPass           int    `yaml:"eventsPerPass"`
		IdleDelay               string `yaml:"idleDelay"`
		ErrorBackoff            string `yaml:"errorBackoff"`
		ErrorThreshold          int    `yaml:"errorThreshold"`
		WorkerPoolSize          int    `yaml:"workerPoolSize"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Name = raw.Name
	c.InitialSegmentCount = raw.InitialSegmentCount
	c.BatchSize = raw.BatchSize
	c.InboxCapacity = raw.InboxCapacity
	c.EventsPerPass = raw.EventsPerPass
	c.ErrorThreshold = raw.ErrorThreshold
	c.WorkerPoolSize = raw.WorkerPoolSize

	for _, field := range []struct {
		value string
		dst   *time.Duration
		name  string
	}{
		{raw.ClaimExtensionThreshold, &c.ClaimExtensionThreshold, "claimExtensionThreshold"},
		{raw.IdleDelay, &c.IdleDelay, "idleDelay"},
		{raw.ErrorBackoff, &c.ErrorBackoff, "errorBackoff"},
	} {
		if field.value == "" {
			continue
		}
		d, err := time.ParseDuration(field.value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field.name, err)
		}
		*field.dst = d
	}

	return nil
}

// LoadConfig reads a Config from a yaml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}
