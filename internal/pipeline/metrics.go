package pipeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("contact-extractor/pipeline")
	meter  = otel.Meter("contact-extractor/pipeline")
)

var (
	clientDuration, _ = meter.Float64Histogram("extractor.client.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent extracting and loading one client"))
	clientOutcomes, _ = meter.Int64Counter("extractor.client.outcomes",
		metric.WithDescription("Client extraction attempts by outcome"))
	rowsLoaded, _ = meter.Int64Counter("extractor.rows.loaded",
		metric.WithDescription("Contact rows loaded into staging"))
	logins, _ = meter.Int64Counter("extractor.logins",
		metric.WithDescription("Session establishments by outcome"))
	activeSessions, _ = meter.Int64UpDownCounter("extractor.sessions.active",
		metric.WithDescription("Account groups currently holding a browser slot"))
)

func outcomeAttr(ok bool) metric.MeasurementOption {
	if ok {
		return metricAttr("outcome", "done")
	}
	return metricAttr("outcome", "failed")
}

func metricAttr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}
