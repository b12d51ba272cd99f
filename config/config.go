package config

import (
	"fmt"
	"net/url"
	"time"
)

// Portal addresses and the browser identity the portal expects.
const (
	DefaultBaseURL     = "https://www.tce.rj.gov.br/portlet-responsabilidadefiscal/responsabilidadefiscal"
	DefaultRootURL     = "https://www.tce.rj.gov.br"
	DefaultUserAgent   = "Mozilla/5.0 (compatible; MSIE 8.0; Windows NT 5.1; Trident/4.0; InfoPath.2; SLCC1; .NET CLR 3.0.4506.2152; .NET CLR 3.5.30729; .NET CLR 2.0.50727)"
	DefaultInitialYear = 2013
)

// Progress output modes.
const (
	ProgressBar  = "bar"
	ProgressLog  = "log"
	ProgressNone = "none"
)

// Config holds downloader configuration.
type Config struct {
	BaseURL            string // landing page and listing form address
	RootURL            string // prefix for report download paths
	InitialYear        int
	Parallelism        int
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	OutputDir          string
	UserAgent          string
	PipelineBufferSize int
	SlugCacheSize      int
	Progress           string // bar, log, or none
	Verbose            bool
	RespectRobotsTxt   bool
	MetricsAddr        string
}

// DefaultConfig returns defaults matching the portal's sequential reference run.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            DefaultBaseURL,
		RootURL:            DefaultRootURL,
		InitialYear:        DefaultInitialYear,
		Parallelism:        1,
		Timeout:            60 * time.Second,
		MaxRetries:         0,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    10 * time.Second,
		OutputDir:          "output",
		UserAgent:          DefaultUserAgent,
		PipelineBufferSize: 256,
		SlugCacheSize:      1024,
		Progress:           ProgressLog,
		Verbose:            false,
		RespectRobotsTxt:   false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateURL("base URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("root URL", c.RootURL); err != nil {
		return err
	}

	if c.InitialYear < 1000 || c.InitialYear > 9999 {
		return fmt.Errorf("initial year must have four digits, got %d", c.InitialYear)
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.SlugCacheSize <= 0 {
		return fmt.Errorf("slug cache size must be positive")
	}
	if c.Progress != ProgressBar && c.Progress != ProgressLog && c.Progress != ProgressNone {
		return fmt.Errorf("progress must be bar, log, or none")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
