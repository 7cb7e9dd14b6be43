package proxy

import (
	"fmt"
	"net/url"
	"time"

	"github.com/efortin/streamcall/pkg/transform"
)

// Config holds the configuration for the rewriting proxy.
type Config struct {
	Port          string
	TargetURL     string
	Protocol      string // "tag" or "wrapper"
	EnableRewrite bool
	LogOutput     bool
	// Model picks the tokenizer used for usage accounting.
	Model          string
	RequestTimeout string
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target URL cannot be empty")
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target URL must be http or https, got %q", u.Scheme)
	}
	if c.Protocol != "tag" && c.Protocol != "wrapper" {
		return fmt.Errorf("unknown protocol %q (want tag or wrapper)", c.Protocol)
	}
	if c.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.RequestTimeout); err != nil {
			return fmt.Errorf("invalid request timeout: %w", err)
		}
	}
	return nil
}

// GetRequestTimeout parses and returns the request timeout duration
func (c *Config) GetRequestTimeout() time.Duration {
	if c.RequestTimeout == "" {
		return 5 * time.Minute
	}
	d, _ := time.ParseDuration(c.RequestTimeout)
	return d
}

// ProtocolImpl returns the transform protocol selected by name.
func (c *Config) ProtocolImpl() transform.Protocol {
	if c.Protocol == "wrapper" {
		return transform.WrapperProtocol{}
	}
	return transform.TagProtocol{}
}
