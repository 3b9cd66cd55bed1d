// Package conf contains the struct that holds the configuration of the server.
package conf

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/screenrelay/screenrelay/internal/logger"
)

// ErrInvalid is returned when a configuration value is out of bounds.
// Callers can match it with errors.Is to distinguish validation failures
// from I/O failures.
var ErrInvalid = errors.New("invalid configuration")

// Conf is the server configuration.
type Conf struct {
	// Minimum log level: debug, info, warn, error
	LogLevel string `yaml:"logLevel" json:"logLevel"`

	// Address of the HTTP API / WebSocket / SSE server
	Address string `yaml:"address" json:"address"`

	// Enable pprof endpoints on the API server
	PPROF bool `yaml:"pprof" json:"pprof"`

	// Maximum target frame rate a stream may request
	MaxStreamFPS int `yaml:"maxStreamFPS" json:"maxStreamFPS"`

	// Maximum number of concurrent streams
	MaxConcurrentStreams int `yaml:"maxConcurrentStreams" json:"maxConcurrentStreams"`

	// Maximum number of frames kept in the resource cache
	CacheSize int `yaml:"cacheSize" json:"cacheSize"`

	// Number of samples in the per-stream metrics window
	MetricsWindow int `yaml:"metricsWindow" json:"metricsWindow"`

	// Timeout applied to a single capture call
	CaptureTimeout Duration `yaml:"captureTimeout" json:"captureTimeout"`

	// Timeout applied to a single encode call
	EncodeTimeout Duration `yaml:"encodeTimeout" json:"encodeTimeout"`

	// Defaults applied to streams created without explicit values
	StreamDefaults StreamConf `yaml:"streamDefaults" json:"streamDefaults"`
}

func (c *Conf) setDefaults() {
	c.LogLevel = "info"
	c.Address = ":8090"
	c.MaxStreamFPS = 60
	c.MaxConcurrentStreams = 25
	c.CacheSize = 120
	c.MetricsWindow = 100
	c.CaptureTimeout = Duration(5 * time.Second)
	c.EncodeTimeout = Duration(5 * time.Second)
	c.StreamDefaults.fillDefaults()
}

// Load loads the configuration from a file. An empty path returns the
// default configuration.
func Load(path string) (*Conf, error) {
	conf := &Conf{}
	conf.setDefaults()

	if path != "" {
		byts, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.UnmarshalStrict(byts, conf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// Validate checks the configuration for out-of-bounds values.
func (c *Conf) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	if c.MaxStreamFPS < 1 {
		return fmt.Errorf("%w: maxStreamFPS must be at least 1", ErrInvalid)
	}

	if c.MaxConcurrentStreams < 1 {
		return fmt.Errorf("%w: maxConcurrentStreams must be at least 1", ErrInvalid)
	}

	if c.CacheSize < 1 {
		return fmt.Errorf("%w: cacheSize must be at least 1", ErrInvalid)
	}

	if c.MetricsWindow < 2 {
		return fmt.Errorf("%w: metricsWindow must be at least 2", ErrInvalid)
	}

	if c.CaptureTimeout <= 0 || c.EncodeTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}

	if err := c.StreamDefaults.Validate(c.MaxStreamFPS); err != nil {
		return fmt.Errorf("streamDefaults: %w", err)
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c Conf) Clone() *Conf {
	if c.StreamDefaults.Region != nil {
		region := *c.StreamDefaults.Region
		c.StreamDefaults.Region = &region
	}
	return &c
}
