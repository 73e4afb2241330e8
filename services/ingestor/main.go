package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fhirbridge/fhirbridge/services/ingestor/auth"
	"github.com/fhirbridge/fhirbridge/services/ingestor/config"
	"github.com/fhirbridge/fhirbridge/services/ingestor/firewall"
	"github.com/fhirbridge/fhirbridge/services/ingestor/handlers"
	"github.com/fhirbridge/fhirbridge/services/ingestor/observability"
	"github.com/fhirbridge/fhirbridge/services/ingestor/pipeline"
	"github.com/fhirbridge/fhirbridge/services/ingestor/routes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/store"
	"github.com/fhirbridge/fhirbridge/services/ingestor/terminology"
	"github.com/fhirbridge/fhirbridge/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const serviceVersion = "1.0.0"

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("ingestor-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Tracing is opt-in: skipped entirely unless a collector is configured.
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		cleanup, err := initTracer(otelEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	metrics := observability.InitMetrics()

	st, err := store.Open(cfg.DatabaseURL, cfg.UploadDir)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer st.Close()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Init(initCtx); err != nil {
		cancel()
		log.Fatalf("Failed to initialize database schema: %v", err)
	}
	cancel()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	st.StartJanitor(janitorCtx, time.Hour)

	terms := terminology.New()
	if cfg.TerminologyOverrides != "" {
		terms, err = terminology.NewFromFile(cfg.TerminologyOverrides)
		if err != nil {
			log.Fatalf("Failed to load terminology overrides: %v", err)
		}
		slog.Info("Loaded terminology overrides", "path", cfg.TerminologyOverrides)
	}

	chat, err := llm.NewOpenAIChatClient(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMModel, 90*time.Second)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	slog.Info("Configured upstream LLM", "endpoint", cfg.LLMEndpoint, "model", cfg.LLMModel)

	orchestrator := pipeline.New(pipeline.Options{
		Chat:  chat,
		Terms: terms,
		Firewall: firewall.Config{
			Strict:               cfg.StrictExtraction,
			MinObservations:      cfg.MinObservations,
			RequireExpectedTests: cfg.RequireExpectedTests,
			RequirePatient:       cfg.RequirePatient,
			AllowReportDate:      cfg.AllowReportDate,
		},
		MaxAttempts:   cfg.MaxAttempts,
		Concurrency:   cfg.LLMConcurrency,
		SemaphoreWait: 30 * time.Second,
		Metrics:       metrics,
	})

	provider := auth.NewProvider(st, cfg.MasterAPIKey)
	h := handlers.New(handlers.Options{
		Store:           st,
		Pipeline:        orchestrator,
		Auth:            provider,
		Version:         serviceVersion,
		Model:           cfg.LLMModel,
		RequestDeadline: cfg.RequestDeadline,
	})

	router := gin.Default()
	router.Use(otelgin.Middleware("ingestor-service"))
	routes.SetupRoutes(router, h, provider)

	log.Println("Starting the ingestor server on port ", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
