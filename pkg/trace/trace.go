package trace

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

type Config struct {
	// OTLP gRPC 地址，比如 "localhost:4317"；为空时走 stdout exporter
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// stdout 模式下是否输出，false 时直接丢弃（本地开发不想刷屏）
	Stdout bool `yaml:"stdout" mapstructure:"stdout"`
}

// InitTrace 初始化全局 TracerProvider，返回关闭函数，服务退出时调用
func InitTrace(serviceName string, c Config) (func(context.Context) error, error) {
	ctx := context.Background()

	exporter, err := newExporter(ctx, c)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, c Config) (sdktrace.SpanExporter, error) {
	if c.Endpoint != "" {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(c.Endpoint),
			otlptracegrpc.WithInsecure(), // 没有tls
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if !c.Stdout {
		opts = []stdouttrace.Option{stdouttrace.WithWriter(io.Discard)}
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	return exp, nil
}
