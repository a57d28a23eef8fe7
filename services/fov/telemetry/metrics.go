// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the operation instruments.
const MeterName = "aleutian.fov"

// opInstruments are the per-operation instruments.
type opInstruments struct {
	duration metric.Float64Histogram
	total    metric.Int64Counter
}

var (
	instruments *opInstruments

	metricsOnce sync.Once
	metricsErr  error
)

func newOpInstruments(meter metric.Meter) (*opInstruments, error) {
	duration, err := meter.Float64Histogram(
		"fov_operation_duration_seconds",
		metric.WithDescription("Duration of session operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	total, err := meter.Int64Counter(
		"fov_operations_total",
		metric.WithDescription("Session operations by outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &opInstruments{duration: duration, total: total}, nil
}

func (i *opInstruments) record(ctx context.Context, component, op string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	i.total.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// initMetrics creates the instruments from the global meter provider.
// Instruments obtained before Init delegate to the provider Init installs.
func initMetrics() error {
	metricsOnce.Do(func() {
		instruments, metricsErr = newOpInstruments(otel.Meter(MeterName))
	})
	return metricsErr
}

// RecordOperation counts one operation and observes its duration.
//
// # Inputs
//
//   - component: Emitting package, e.g. "session".
//   - op: Operation name, e.g. "add_turn".
//   - elapsed: Wall time of the operation.
//   - err: Non-nil marks the outcome "error".
//
// # Thread Safety
//
// Safe for concurrent use. Does nothing if the instruments failed to
// initialize.
func RecordOperation(ctx context.Context, component, op string, elapsed time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	instruments.record(ctx, component, op, elapsed, err)
}
