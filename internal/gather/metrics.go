package gather

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments come from the global meter provider. They record nothing until
// telemetry.Install sets an SDK provider, and record into it from then on.
var (
	meter = otel.Meter("reportsync/internal/gather")

	decisionCounter, _ = meter.Int64Counter("reportsync.planner.decisions",
		metric.WithDescription("Planner decisions by action and halt reason."))
	fetchCounter, _ = meter.Int64Counter("reportsync.fetches",
		metric.WithDescription("Report fetch iterations by outcome."))
)

func countDecision(ctx context.Context, report string, d Decision) {
	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report", report),
		attribute.String("action", d.Action.String()),
		attribute.String("reason", d.Reason.String()),
	))
}

func countFetch(ctx context.Context, report, mode string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	fetchCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report", report),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}
