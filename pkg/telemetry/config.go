package telemetry

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level        string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format       string `yaml:"format" validate:"omitempty,oneof=json console"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"`
}

// TracingConfig controls the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter" validate:"omitempty,oneof=stdout none"`
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// DefaultLoggingConfig returns console logging at info level.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "console", Output: "stderr"}
}

// DefaultMetricsConfig returns a disabled collector with the skein
// namespace.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "skein", Listen: ":9090"}
}

// DefaultTracingConfig returns a disabled tracer that would write to
// stdout when switched on.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{Exporter: "stdout", SampleRate: 1.0}
}
