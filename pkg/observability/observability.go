package observability

import (
	"sync"
)

// Process-wide defaults, configured once by Initialize
var (
	DefaultLogger        Logger        = NewNoopLogger()
	DefaultMetricsClient MetricsClient = NewNoopMetricsClient()
	DefaultStartSpan     StartSpanFunc = NoopStartSpan

	shutdownFuncs []func() error
	shutdownMutex sync.Mutex
)

// Initialize configures the default logger, metrics client and tracer
func Initialize(service string, cfg Config) error {
	DefaultLogger = NewLoggerFromConfig(service, cfg.Logging)

	if cfg.Metrics.Enabled {
		namespace := cfg.Metrics.Namespace
		if namespace == "" {
			namespace = "timeline_sync"
		}
		DefaultMetricsClient = NewPrometheusMetricsClient(namespace, cfg.Metrics.Subsystem, nil)
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.ServiceName == "" {
			cfg.Tracing.ServiceName = service
		}
		shutdown, err := InitTracing(cfg.Tracing)
		if err != nil {
			DefaultLogger.Error("Failed to initialize tracing", map[string]interface{}{"error": err.Error()})
			DefaultStartSpan = NoopStartSpan
			return nil
		}
		DefaultStartSpan = StartSpanWithAttributes
		registerShutdownFunc(func() error {
			shutdown()
			return nil
		})
	}

	return nil
}

// Shutdown closes the metrics client and runs registered cleanup functions
func Shutdown() error {
	var first error

	if err := DefaultMetricsClient.Close(); err != nil {
		first = err
	}

	shutdownMutex.Lock()
	funcs := shutdownFuncs
	shutdownFuncs = nil
	shutdownMutex.Unlock()

	for _, fn := range funcs {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func registerShutdownFunc(fn func() error) {
	shutdownMutex.Lock()
	defer shutdownMutex.Unlock()
	shutdownFuncs = append(shutdownFuncs, fn)
}
