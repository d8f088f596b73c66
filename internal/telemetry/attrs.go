package telemetry

import "go.opentelemetry.io/otel/attribute"

func attrAction(action string) attribute.KeyValue {
	return attribute.String("logsink.action", action)
}

func attrKind(kind string) attribute.KeyValue {
	return attribute.String("logsink.kind", kind)
}
