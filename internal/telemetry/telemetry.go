// Package telemetry wires OpenTelemetry tracing and the shop's counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Name is the instrumentation scope and service name.
const Name = "shopflow"

// Tracer returns the shop's tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(Name) }

// Meter returns the shop's meter from the global provider.
func Meter() metric.Meter { return otel.Meter(Name) }

// Setup installs tracer and meter providers for mode. "" and "none" keep the global
// no-op providers; "stdout" exports spans and metrics as JSON to w. The returned
// function flushes and shuts both providers down.
func Setup(ctx context.Context, mode string, w io.Writer) (func(context.Context) error, error) {
	switch mode {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", mode)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", Name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(spanExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	SetMeterProvider(mp)
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

type instruments struct {
	ordersPlaced  metric.Int64Counter
	cartMutations metric.Int64Counter
}

var current atomic.Pointer[instruments]

// SetMeterProvider installs mp globally and binds the shop's counters to it.
func SetMeterProvider(mp metric.MeterProvider) {
	otel.SetMeterProvider(mp)
	current.Store(newInstruments(mp.Meter(Name)))
}

func newInstruments(m metric.Meter) *instruments {
	inst := &instruments{}
	// Errors only occur for invalid names; the returned counters are no-ops then.
	inst.ordersPlaced, _ = m.Int64Counter("shopflow.orders.placed",
		metric.WithDescription("Orders completed at checkout"))
	inst.cartMutations, _ = m.Int64Counter("shopflow.cart.mutations",
		metric.WithDescription("Cart store mutations by operation"))
	return inst
}

func counters() *instruments {
	if inst := current.Load(); inst != nil {
		return inst
	}
	current.CompareAndSwap(nil, newInstruments(Meter()))
	return current.Load()
}

// RecordCartMutation counts one cart store mutation.
func RecordCartMutation(ctx context.Context, op string) {
	if c := counters().cartMutations; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// RecordOrderPlaced counts one completed order.
func RecordOrderPlaced(ctx context.Context) {
	if c := counters().ordersPlaced; c != nil {
		c.Add(ctx, 1)
	}
}
