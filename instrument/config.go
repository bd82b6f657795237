package instrument

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultDepth is the global fallback depth ceiling when neither a
// per-type entry nor a policy default is configured.
const DefaultDepth = 2

// ErrorData is the structured form of a failed call's error, produced by
// an ErrorConverter or by default extraction.
type ErrorData struct {
	Type    string
	Message string
	Context map[string]any
}

// ErrorConverter converts an error into structured data before default
// extraction runs. Registered per error type name.
type ErrorConverter func(err error) ErrorData

// DepthPolicy resolves a recursion depth ceiling per runtime type name.
// A zero Default falls back to DefaultDepth; explicit per-type entries are
// used as-is, including zero.
type DepthPolicy struct {
	Default int            `yaml:"default"`
	PerType map[string]int `yaml:"per_type"`
}

// UniformDepth returns a policy applying one ceiling to every type.
// This covers the legacy single-integer configuration form.
func UniformDepth(n int) DepthPolicy {
	return DepthPolicy{Default: n}
}

// Resolve returns the depth ceiling for the given type name. Resolution
// always terminates with a concrete non-negative integer.
func (p DepthPolicy) Resolve(typeName string) int {
	if d, ok := p.PerType[typeName]; ok {
		if d < 0 {
			return 0
		}
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultDepth
}

// UnmarshalYAML accepts either the legacy scalar form
// (serialization_depth: 3) or the mapping form with a "default" key and
// per-type entries.
func (p *DepthPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		*p = UniformDepth(n)
		return nil
	}

	var table map[string]int
	if err := node.Decode(&table); err != nil {
		return err
	}
	out := DepthPolicy{PerType: make(map[string]int, len(table))}
	for k, v := range table {
		if k == "default" {
			out.Default = v
			continue
		}
		out.PerType[k] = v
	}
	*p = out
	return nil
}

// Config holds the recognized instrumentation options.
type Config struct {
	// Transport selects the span export backend (otlp|jaeger|stdout|none).
	Transport string `yaml:"transport"`

	// TracerName identifies the tracer obtained from the backend.
	TracerName string `yaml:"tracer_name"`

	// AppNamespace, when set, is written as the app.namespace attribute
	// on every span.
	AppNamespace string `yaml:"app_namespace"`

	// AttributeNamespace, when set, prefixes serialized attribute keys.
	AttributeNamespace string `yaml:"attribute_namespace"`

	// Formatters maps a type name (or "default") to the name of a no-arg
	// method returning a mapping, used to flatten objects of that type.
	Formatters map[string]string `yaml:"formatters"`

	// PIIFilters are case-insensitive patterns matched against parameter
	// and mapping key names; matches are redacted or skipped.
	PIIFilters []string `yaml:"pii_filters"`

	// Depth is the per-type serialization depth policy.
	Depth DepthPolicy `yaml:"serialization_depth"`

	// TrackReturnValues enables return value serialization.
	TrackReturnValues bool `yaml:"track_return_values"`

	// ErrorConverters maps an error type name to a converter producing
	// structured error data. Code-level only, never loaded from files.
	ErrorConverters map[string]ErrorConverter `yaml:"-"`
}

// Valid transports.
var validTransports = map[string]bool{
	"otlp":   true,
	"jaeger": true,
	"stdout": true,
	"none":   true,
	"":       true, // Empty is valid (backend decides)
}

// NewConfig returns a config with the recognized defaults.
func NewConfig() *Config {
	return &Config{
		Transport:         "none",
		TracerName:        "autospan",
		Depth:             UniformDepth(DefaultDepth),
		TrackReturnValues: true,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !validTransports[c.Transport] {
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	if c.Depth.Default < 0 {
		return fmt.Errorf("%w: default %d", ErrNegativeDepth, c.Depth.Default)
	}
	for name, d := range c.Depth.PerType {
		if d < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeDepth, name, d)
		}
	}
	for _, p := range c.PIIFilters {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPIIFilter, p, err)
		}
	}
	return nil
}

// Clone returns a deep copy suitable for per-instance overrides without
// mutating the shared default.
func (c *Config) Clone() *Config {
	out := *c
	if c.Formatters != nil {
		out.Formatters = make(map[string]string, len(c.Formatters))
		for k, v := range c.Formatters {
			out.Formatters[k] = v
		}
	}
	if c.PIIFilters != nil {
		out.PIIFilters = append([]string(nil), c.PIIFilters...)
	}
	if c.Depth.PerType != nil {
		out.Depth.PerType = make(map[string]int, len(c.Depth.PerType))
		for k, v := range c.Depth.PerType {
			out.Depth.PerType[k] = v
		}
	}
	if c.ErrorConverters != nil {
		out.ErrorConverters = make(map[string]ErrorConverter, len(c.ErrorConverters))
		for k, v := range c.ErrorConverters {
			out.ErrorConverters[k] = v
		}
	}
	return &out
}

// defaultConfig is the process-wide default configuration.
var defaultConfig atomic.Pointer[Config]

func init() {
	defaultConfig.Store(NewConfig())
}

// Default returns the process-wide default configuration. Callers must
// Clone before modifying.
func Default() *Config {
	return defaultConfig.Load()
}

// SetDefault replaces the process-wide default configuration.
func SetDefault(c *Config) {
	if c != nil {
		defaultConfig.Store(c)
	}
}

// LoadConfig reads a YAML configuration file. Unset fields keep the
// NewConfig defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instrument: read config: %w", err)
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("instrument: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envSpec carries the environment-settable subset of Config. The depth
// policy is uniform in the environment form.
type envSpec struct {
	Transport          string   `envconfig:"TRANSPORT"`
	TracerName         string   `envconfig:"TRACER_NAME"`
	AppNamespace       string   `envconfig:"APP_NAMESPACE"`
	AttributeNamespace string   `envconfig:"ATTRIBUTE_NAMESPACE"`
	PIIFilters         []string `envconfig:"PII_FILTERS"`
	SerializationDepth int      `envconfig:"SERIALIZATION_DEPTH" default:"0"`
	TrackReturnValues  bool     `envconfig:"TRACK_RETURN_VALUES" default:"true"`
}

// ConfigFromEnv builds a configuration from AUTOSPAN_* environment
// variables.
func ConfigFromEnv() (*Config, error) {
	var spec envSpec
	if err := envconfig.Process("AUTOSPAN", &spec); err != nil {
		return nil, fmt.Errorf("instrument: env config: %w", err)
	}

	cfg := NewConfig()
	if spec.Transport != "" {
		cfg.Transport = spec.Transport
	}
	if spec.TracerName != "" {
		cfg.TracerName = spec.TracerName
	}
	cfg.AppNamespace = spec.AppNamespace
	cfg.AttributeNamespace = spec.AttributeNamespace
	cfg.PIIFilters = spec.PIIFilters
	if spec.SerializationDepth > 0 {
		cfg.Depth = UniformDepth(spec.SerializationDepth)
	}
	cfg.TrackReturnValues = spec.TrackReturnValues

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serializationPolicy is the compiled per-call view of Config consumed by
// the serializer.
type serializationPolicy struct {
	filters    []*regexp.Regexp
	depth      DepthPolicy
	formatters map[string]string
	track      bool
}

// compilePolicy compiles the config into a serialization policy. Patterns
// that fail to compile are skipped: redaction is best-effort at call time
// and must never abort the instrumented call.
func compilePolicy(c *Config) *serializationPolicy {
	p := &serializationPolicy{
		depth:      c.Depth,
		formatters: c.Formatters,
		track:      c.TrackReturnValues,
	}
	for _, pat := range c.PIIFilters {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			continue
		}
		p.filters = append(p.filters, re)
	}
	return p
}

// redact reports whether the given parameter or key name matches any
// configured PII pattern.
func (p *serializationPolicy) redact(name string) bool {
	for _, re := range p.filters {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
