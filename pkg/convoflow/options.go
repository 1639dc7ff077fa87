package convoflow

import (
	"log/slog"

	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
)

// runConfig holds configuration for graph execution.
type runConfig[S any] struct {
	maxIterations int
	mode          string

	startNode   string
	history     []string
	resumeValue any
	hasResume   bool

	onEvent func(Event[S])
	onStep  func(ctx Context, step Step[S]) error

	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool
}

// defaultRunConfig returns the default execution configuration.
// There is no iteration cap: loops are bounded by the routers.
func defaultRunConfig[S any]() runConfig[S] {
	return runConfig[S]{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// Step describes one persisted position of a run. The engine reports a
// step after every completed node and when a node suspends.
type Step[S any] struct {
	// NodeID is the node that just completed or suspended.
	NodeID    string
	State     S
	Execution Execution
}

// RunOption configures execution behavior.
type RunOption[S any] func(*runConfig[S])

// WithMaxIterations caps the number of node executions in one run.
// Default: unlimited. The cap is opt-in; conversational loops are expected
// to bound themselves through state inspected by their routers.
func WithMaxIterations[S any](n int) RunOption[S] {
	return func(c *runConfig[S]) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithStartNode starts the run at id instead of the entry point.
func WithStartNode[S any](id string) RunOption[S] {
	return func(c *runConfig[S]) {
		c.startNode = id
	}
}

// WithHistory seeds the completed-node history, for runs that continue a
// thread. The slice is copied.
func WithHistory[S any](history []string) RunOption[S] {
	return func(c *runConfig[S]) {
		c.history = append([]string(nil), history...)
	}
}

// WithResumeValue delivers value to the first node of the run through
// Context.ResumeValue. Use it together with WithStartNode to re-enter a
// suspended node.
func WithResumeValue[S any](value any) RunOption[S] {
	return func(c *runConfig[S]) {
		c.resumeValue = value
		c.hasResume = true
	}
}

// WithEventHandler receives every event of the run, in order, on the
// run's goroutine. The last event is always terminal.
func WithEventHandler[S any](fn func(Event[S])) RunOption[S] {
	return func(c *runConfig[S]) {
		c.onEvent = fn
	}
}

// WithStepHandler is called synchronously after each completed or
// suspended node, before the node's update event. An error fails the run
// with a CheckpointError. The Manager uses it to persist checkpoints.
func WithStepHandler[S any](fn func(ctx Context, step Step[S]) error) RunOption[S] {
	return func(c *runConfig[S]) {
		c.onStep = fn
	}
}

// WithObservabilityLogger enables run and node lifecycle logging.
func WithObservabilityLogger[S any](logger *slog.Logger) RunOption[S] {
	return func(c *runConfig[S]) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics through the global meter provider.
func WithMetrics[S any](enabled bool) RunOption[S] {
	return func(c *runConfig[S]) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder uses a specific recorder.
func WithMetricsRecorder[S any](m observability.MetricsRecorder) RunOption[S] {
	return func(c *runConfig[S]) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans for the run and every node.
func WithTracing[S any](enabled bool) RunOption[S] {
	return func(c *runConfig[S]) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithSpanManager enables tracing through sm instead of the global
// tracer provider.
func WithSpanManager[S any](sm observability.SpanManager) RunOption[S] {
	return func(c *runConfig[S]) {
		if sm != nil {
			c.tracingEnabled = true
			c.spans = sm
		}
	}
}

// WithAllObservability enables logging, metrics, and tracing together.
func WithAllObservability[S any](logger *slog.Logger) RunOption[S] {
	return func(c *runConfig[S]) {
		WithObservabilityLogger[S](logger)(c)
		WithMetrics[S](true)(c)
		WithTracing[S](true)(c)
	}
}

// withMode labels the run for logs, metrics and spans.
func withMode[S any](mode string) RunOption[S] {
	return func(c *runConfig[S]) {
		c.mode = mode
	}
}
