// Package tracing 提供 OpenTelemetry 链路追踪支持
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName 本服务的追踪器名称
const TracerName = "github.com/securitize-io/dstoken-sub004"

// Config 链路追踪配置
type Config struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Endpoint    string        `yaml:"endpoint" json:"endpoint"` // OTLP gRPC，如 localhost:4317
	SampleRate  float64       `yaml:"sample_rate" json:"sample_rate"`
	Environment string        `yaml:"environment" json:"environment"`
	Version     string        `yaml:"version" json:"version"`
	Insecure    bool          `yaml:"insecure" json:"insecure"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// Init 初始化链路追踪，返回关闭函数
func Init(cfg *Config) (func(context.Context) error, error) {
	if cfg == nil || !cfg.Enabled {
		return func(ctx context.Context) error { return nil }, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter failed: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartSpan 开始一个新的 Span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End 根据错误设置状态并结束 Span
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID 获取当前 Trace ID
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// 业务属性键
const (
	AttrRequestID  = attribute.Key("authorization.request_id")
	AttrMode       = attribute.Key("authorization.mode")
	AttrLayout     = attribute.Key("authorization.layout")
	AttrDigest     = attribute.Key("authorization.digest")
	AttrSigners    = attribute.Key("authorization.signers")
	AttrContract   = attribute.Key("contract.address")
	AttrChainID    = attribute.Key("chain.id")
	AttrNonce      = attribute.Key("multisig.nonce")
	AttrTxHash     = attribute.Key("tx.hash")
	AttrTraceID    = attribute.Key("http.trace_id")
	AttrHTTPStatus = attribute.Key("http.status_code")
)
