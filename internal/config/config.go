// internal/config/config.go
//
// This package holds the runtime options for the orchestration core. Options
// can be constructed in code via Default() or loaded from a small YAML file;
// loading always starts from the defaults so absent fields keep sane values.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Routing policies control which direction the complexity threshold cuts.
const (
	// PolicyLocalAbove keeps high-complexity work on device (privacy-first).
	PolicyLocalAbove = "prefer-local-above"
	// PolicyRemoteAbove sends high-complexity work to the remote path
	// (capability-first). Scores near the threshold become hybrid.
	PolicyRemoteAbove = "prefer-remote-above"
)

// Options is the single configuration struct consumed by the service
// container. Zero values are filled in by applyDefaults, so a literal
// Options{} normalizes to the same thing as Default().
type Options struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// BreakerTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	BreakerTimeout Duration `yaml:"breaker_timeout"`
	// RetryMaxAttempts bounds the breaker's retry loop per submission.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`
	// RetryBackoffBase is the first retry delay; later attempts double it.
	RetryBackoffBase Duration `yaml:"retry_backoff_base"`

	// ComplexityThreshold is the routing cut point in [0,1].
	ComplexityThreshold float64 `yaml:"complexity_threshold"`
	// RoutingPolicy selects the threshold direction; see PolicyLocalAbove.
	RoutingPolicy string `yaml:"routing_policy"`
	// ScorerPluginDir optionally points at a directory of interpreted scorer
	// plugins. Empty disables plugin loading.
	ScorerPluginDir string `yaml:"scorer_plugin_dir"`

	// CacheDefaultTTL applies to cache entries stored without an explicit TTL.
	CacheDefaultTTL Duration `yaml:"cache_default_ttl"`
	// CacheMaxEntries caps the cache; oldest insertions are evicted first.
	CacheMaxEntries int `yaml:"cache_max_entries"`
	// ResultTTL is the short dedupe window for cached execution results.
	ResultTTL Duration `yaml:"result_ttl"`

	// TelemetryMaxEvents bounds the telemetry ring buffer.
	TelemetryMaxEvents int `yaml:"telemetry_max_events"`
	// TelemetryEnabled turns the sink into a no-op when false. A pointer
	// keeps "unset" distinct from an explicit false so defaulting does not
	// depend on any other field; read it through TelemetryOn.
	TelemetryEnabled *bool `yaml:"telemetry_enabled"`

	// QueueMaxPending caps queued-but-not-running items; submissions beyond
	// it are rejected with a descriptive error rather than blocked.
	QueueMaxPending int `yaml:"queue_max_pending"`
	// MonitorInterval is the resource monitor's probe refresh period.
	MonitorInterval Duration `yaml:"monitor_interval"`
}

// Default returns a fully-populated Options value.
func Default() Options {
	var opts Options
	opts.applyDefaults()
	return opts
}

// Load reads options from a YAML file, layering the file over Default().
// A missing file is not an error; the defaults are returned.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return opts, nil
		}
		return Options{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	opts.applyDefaults()
	opts.normalize()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o *Options) applyDefaults() {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 3
	}
	if o.BreakerTimeout == 0 {
		o.BreakerTimeout = Duration(30 * time.Second)
	}
	if o.RetryMaxAttempts == 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryBackoffBase == 0 {
		o.RetryBackoffBase = Duration(time.Second)
	}
	if o.ComplexityThreshold == 0 {
		o.ComplexityThreshold = 0.6
	}
	if o.RoutingPolicy == "" {
		o.RoutingPolicy = PolicyLocalAbove
	}
	if o.TelemetryEnabled == nil {
		enabled := true
		o.TelemetryEnabled = &enabled
	}
	if o.CacheDefaultTTL == 0 {
		o.CacheDefaultTTL = Duration(5 * time.Minute)
	}
	if o.CacheMaxEntries == 0 {
		o.CacheMaxEntries = 256
	}
	if o.ResultTTL == 0 {
		o.ResultTTL = Duration(10 * time.Second)
	}
	if o.TelemetryMaxEvents == 0 {
		o.TelemetryMaxEvents = 1024
	}
	if o.QueueMaxPending == 0 {
		o.QueueMaxPending = 512
	}
	if o.MonitorInterval == 0 {
		o.MonitorInterval = Duration(15 * time.Second)
	}
}

func (o *Options) normalize() {
	o.RoutingPolicy = strings.ToLower(strings.TrimSpace(o.RoutingPolicy))
	o.ScorerPluginDir = strings.TrimSpace(o.ScorerPluginDir)
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if o.FailureThreshold < 1 {
		return fmt.Errorf("config: failure_threshold must be >= 1")
	}
	if o.BreakerTimeout <= 0 {
		return fmt.Errorf("config: breaker_timeout must be positive")
	}
	if o.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: retry_max_attempts must be >= 1")
	}
	if o.RetryBackoffBase <= 0 {
		return fmt.Errorf("config: retry_backoff_base must be positive")
	}
	if o.ComplexityThreshold < 0 || o.ComplexityThreshold > 1 {
		return fmt.Errorf("config: complexity_threshold must be within [0,1]")
	}
	switch o.RoutingPolicy {
	case PolicyLocalAbove, PolicyRemoteAbove:
	default:
		return fmt.Errorf("config: routing_policy must be %q or %q", PolicyLocalAbove, PolicyRemoteAbove)
	}
	if o.CacheMaxEntries < 1 {
		return fmt.Errorf("config: cache_max_entries must be >= 1")
	}
	if o.TelemetryMaxEvents < 1 {
		return fmt.Errorf("config: telemetry_max_events must be >= 1")
	}
	if o.QueueMaxPending < 1 {
		return fmt.Errorf("config: queue_max_pending must be >= 1")
	}
	if o.MonitorInterval <= 0 {
		return fmt.Errorf("config: monitor_interval must be positive")
	}
	return nil
}

// TelemetryOn reports whether the sink should record events; an unset field
// counts as enabled.
func (o Options) TelemetryOn() bool {
	return o.TelemetryEnabled == nil || *o.TelemetryEnabled
}

// Duration wraps time.Duration so YAML files can use "30s" style strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string ("1m30s") or a bare number
// of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: invalid duration value: %w", err)
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q", raw)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
