// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "actor-platform"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartActivationSpan 开始 actor 激活 span（加载快照 + 重放 + 执行整个 slice）
func StartActivationSpan(ctx context.Context, actorType, actorID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "actor.activate",
		trace.WithAttributes(
			attribute.String("actor.type", actorType),
			attribute.String("actor.id", actorID),
		),
	)
	return ctx, span
}

// StartActivitySpan 开始 activity 执行 span
func StartActivitySpan(ctx context.Context, activityName, activityID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "activity.execute",
		trace.WithAttributes(
			attribute.String("activity.name", activityName),
			attribute.String("activity.id", activityID),
		),
	)
	return ctx, span
}

// StartStageSpan 开始 pipeline stage span
func StartStageSpan(ctx context.Context, pipelineID, stageName, mode string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.id", pipelineID),
			attribute.String("stage.name", stageName),
			attribute.String("stage.mode", mode),
		),
	)
	return ctx, span
}

// StartReplaySpan 开始重放 span
func StartReplaySpan(ctx context.Context, actorID string, entryCount int) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "actor.replay",
		trace.WithAttributes(
			attribute.String("actor.id", actorID),
			attribute.Int("journal.entries", entryCount),
		),
	)
	return ctx, span
}
