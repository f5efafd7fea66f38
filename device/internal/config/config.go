package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/weighstation/weighstation/util"
)

const (
	DefaultDataDir          = "/var/lib/weighstation"
	DefaultActiveRoot       = "main"
	DefaultStagingRoot      = "next"
	DefaultMarkerName       = ".version"
	DefaultVersionDocument  = "version.json"
	DefaultFileListDocument = "file_list.json"
	DefaultEntrypoint       = "weighstation"
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRequestTimeout   = 15 * time.Second
	DefaultCheckInterval    = time.Hour
)

var (
	ErrMissingBaseURL = errors.New("update base url is required")
	ErrSameRoots      = errors.New("active and staging roots must differ")
	ErrNestedRoots    = errors.New("active and staging roots must not contain each other")
)

// FailurePolicy decides what a download cycle does with a release that did
// not arrive completely
type FailurePolicy string

const (
	// BestEffort marks the staging area complete with whatever files arrived
	BestEffort FailurePolicy = "best-effort"
	// Abort discards the staging area as soon as one file is missing
	Abort FailurePolicy = "abort"
)

// Duration is a time.Duration that can be unmarshaled from JSON as a string
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler for Duration
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler for Duration
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ToDuration converts Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// RetryPolicy bounds a single network operation: how long one attempt may take
// and how many attempts are made before giving up
type RetryPolicy struct {
	Timeout         Duration `json:"timeout"`
	Attempts        uint64   `json:"attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
}

// BackOff returns the schedule for the policy. The first attempt is not
// counted as a retry, so Attempts=1 means a single request.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	expBackOff := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval.ToDuration(),
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         p.MaxInterval.ToDuration(),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if expBackOff.InitialInterval <= 0 {
		expBackOff.InitialInterval = time.Second
	}
	if expBackOff.MaxInterval < expBackOff.InitialInterval {
		expBackOff.MaxInterval = expBackOff.InitialInterval
	}
	expBackOff.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(expBackOff, attempts-1), ctx)
}

// AttemptTimeout is the deadline of a single request
func (p RetryPolicy) AttemptTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultRequestTimeout
	}
	return p.Timeout.ToDuration()
}

// Remote describes where releases are published
type Remote struct {
	BaseURL          string `json:"base_url"`
	SourceDir        string `json:"source_dir,omitempty"`
	VersionDocument  string `json:"version_document"`
	FileListDocument string `json:"file_list_document"`
}

// VersionURL is the location of the latest version document
func (r Remote) VersionURL() (string, error) {
	return url.JoinPath(r.BaseURL, r.VersionDocument)
}

// FileListURL is the location of the release file list
func (r Remote) FileListURL() (string, error) {
	return url.JoinPath(r.BaseURL, r.FileListDocument)
}

// FileURL is the location of a single release file
func (r Remote) FileURL(relPath string) (string, error) {
	return url.JoinPath(r.BaseURL, r.SourceDir, relPath)
}

// Layout names the directories of the device storage
type Layout struct {
	ActiveRoot  string `json:"active_root"`
	StagingRoot string `json:"staging_root"`
	MarkerName  string `json:"marker_name"`
}

func (l Layout) ActiveMarker() string {
	return filepath.Join(l.ActiveRoot, l.MarkerName)
}

func (l Layout) StagingMarker() string {
	return filepath.Join(l.StagingRoot, l.MarkerName)
}

// Config holds everything the update engine needs. It is passed explicitly to
// the update manager, nothing is read from package state.
type Config struct {
	Remote
	Layout

	// DataDir is the directory of the host filesystem holding the layout roots
	DataDir string `json:"data_dir"`
	// Entrypoint is the executable inside the active root started after a swap
	Entrypoint string `json:"entrypoint"`

	FailurePolicy  FailurePolicy `json:"failure_policy"`
	ConnectTimeout Duration      `json:"connect_timeout"`
	ManifestRetry  RetryPolicy   `json:"manifest_retry"`
	DownloadRetry  RetryPolicy   `json:"download_retry"`
	// FilesPerSecond paces release file requests, zero disables pacing
	FilesPerSecond float64 `json:"files_per_second"`
	// CheckInterval is the period of update cycles in run mode
	CheckInterval Duration `json:"check_interval"`
}

// Default returns a configuration with every optional field set
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.VersionDocument == "" {
		c.VersionDocument = DefaultVersionDocument
	}
	if c.FileListDocument == "" {
		c.FileListDocument = DefaultFileListDocument
	}
	if c.ActiveRoot == "" {
		c.ActiveRoot = DefaultActiveRoot
	}
	if c.StagingRoot == "" {
		c.StagingRoot = DefaultStagingRoot
	}
	if c.MarkerName == "" {
		c.MarkerName = DefaultMarkerName
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Entrypoint == "" {
		c.Entrypoint = DefaultEntrypoint
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = BestEffort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = Duration(DefaultCheckInterval)
	}
	for _, p := range []*RetryPolicy{&c.ManifestRetry, &c.DownloadRetry} {
		if p.Timeout == 0 {
			p.Timeout = Duration(DefaultRequestTimeout)
		}
		if p.Attempts == 0 {
			p.Attempts = 1
		}
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url %q: scheme must be http or https", c.BaseURL)
	}

	active, staging := path.Clean(filepath.ToSlash(c.ActiveRoot)), path.Clean(filepath.ToSlash(c.StagingRoot))
	if active == staging {
		return ErrSameRoots
	}
	// the swap deletes the whole active tree before renaming staging over it
	if active == "." || staging == "." || strings.HasPrefix(staging, active+"/") || strings.HasPrefix(active, staging+"/") {
		return ErrNestedRoots
	}

	for name, root := range map[string]string{"active": c.ActiveRoot, "staging": c.StagingRoot} {
		if filepath.IsAbs(root) || strings.HasPrefix(path.Clean(filepath.ToSlash(root)), "..") {
			return fmt.Errorf("%s root %q must be relative to the data dir", name, root)
		}
	}

	switch c.FailurePolicy {
	case BestEffort, Abort:
	default:
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}

	if c.FilesPerSecond < 0 {
		return fmt.Errorf("files per second must not be negative")
	}

	return nil
}

// Load reads the configuration file, substituting environment variables,
// and fills in the defaults
func Load(file string) (*Config, error) {
	cfg := &Config{}
	if _, err := util.ReadJsonWithEnvSub(file, cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", file, err)
	}

	cfg.applyDefaults()
	log.Debugf("loaded configuration from %s", file)
	return cfg, nil
}

// Save writes the configuration to file
func (c *Config) Save(ctx context.Context, file string) error {
	return util.WriteJson(ctx, file, c)
}
