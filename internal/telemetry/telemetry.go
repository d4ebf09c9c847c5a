// Package telemetry wires the agent's OpenTelemetry meter and the
// instruments the ingest and query paths record against. Export is
// optional; with no exporter configured the instruments are no-ops in
// practice but the call sites stay uniform.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "mtconnect.agent"

// Metrics bundles the agent's instruments.
type Metrics struct {
	LinesParsed   metric.Int64Counter
	ParseErrors   metric.Int64Counter
	Observations  metric.Int64Counter
	Suppressed    metric.Int64Counter
	AssetCommands metric.Int64Counter
	HTTPRequests  metric.Int64Counter
}

// New creates the instrument set on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.LinesParsed, err = meter.Int64Counter("shdr.lines_parsed"); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.ParseErrors, err = meter.Int64Counter("shdr.parse_errors"); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.Observations, err = meter.Int64Counter("store.observations"); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.Suppressed, err = meter.Int64Counter("store.duplicates_suppressed"); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.AssetCommands, err = meter.Int64Counter("assets.commands"); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.HTTPRequests, err = meter.Int64Counter("http.requests"); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	return m, nil
}

// Nil-safe accessors: call sites hold a possibly-nil *Metrics and pass the
// result through Add, which tolerates nil counters.

func (m *Metrics) LinesCounter() metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.LinesParsed
}

func (m *Metrics) ParseErrorsCounter() metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.ParseErrors
}

func (m *Metrics) ObservationsCounter() metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.Observations
}

func (m *Metrics) SuppressedCounter() metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.Suppressed
}

func (m *Metrics) AssetCommandsCounter() metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.AssetCommands
}

func (m *Metrics) HTTPRequestsCounter() metric.Int64Counter {
	if m == nil {
		return nil
	}
	return m.HTTPRequests
}

// Add is a nil-safe counter increment.
func Add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// SetupStdoutExport installs a periodic stdout metric exporter on the
// global provider. Returns a shutdown func. Used when the config enables
// metric dumping; production deployments swap in an OTLP exporter the same
// way.
func SetupStdoutExport(interval time.Duration) (func(context.Context) error, error) {
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
