// internal/telemetry/setup.go
package telemetry

import (
	"context"
	"io"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName 流水线span所属的tracer名称
const InstrumentationName = "github.com/Corphon/StoryboardMCP/pipeline"

// InitTracer 注册全局 TracerProvider。stdout 为 false 时仍然生成 span，但不导出
func InitTracer(ctx context.Context, serviceName string, stdout bool) func(context.Context) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	}

	if stdout {
		exporter, err := newStdoutExporter(nil)
		if err != nil {
			log.Printf("⚠️ telemetry exporter init failed: %v", err)
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return provider.Shutdown
}

// newStdoutExporter w 为 nil 时写到标准输出
func newStdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	if w == nil {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return stdouttrace.New(stdouttrace.WithWriter(w))
}

// Tracer 返回流水线使用的 tracer
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
