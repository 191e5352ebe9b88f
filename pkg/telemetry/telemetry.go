// Package telemetry sets up the JSON line logger and optional OTLP tracing
// shared by peerhostctl and the monitor daemon.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Endpoint variables, most specific first.
var endpointEnv = []string{"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}

// Init returns a shutdown func, an HTTP middleware and a logger writing JSON
// lines to stdout. Tracing is exported only when an OTLP endpoint is set in
// the environment; otherwise shutdown is a no-op and spans are dropped.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, func(http.Handler) http.Handler, *log.Logger, error) {
	if serviceName == "" {
		return nil, nil, nil, errors.New("telemetry: service name is required")
	}

	writer := newLineWriter(serviceName, os.Stdout)
	logger := log.New(writer, "", 0)
	shutdown := func(context.Context) error { return nil }

	if endpoint := otlpEndpoint(); endpoint != "" {
		provider, err := newTracerProvider(ctx, serviceName, writer.host, endpoint)
		if err != nil {
			return nil, nil, nil, err
		}
		otel.SetTracerProvider(provider)
		shutdown = provider.Shutdown
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	middleware := func(next http.Handler) http.Handler {
		logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			msg := fmt.Sprintf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
			if err := writer.Log("DEBUG", msg, traceID(r.Context())); err != nil {
				fmt.Fprintf(os.Stderr, "telemetry: write request log: %v\n", err)
			}
		})
		return otelhttp.NewHandler(logged, serviceName)
	}

	return shutdown, middleware, logger, nil
}

// NewLogger returns a logger that writes JSON lines for service to out.
func NewLogger(service string, out io.Writer) *log.Logger {
	return log.New(newLineWriter(service, out), "", 0)
}

func otlpEndpoint() string {
	for _, key := range endpointEnv {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func newTracerProvider(ctx context.Context, serviceName, host, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := newTraceExporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if host != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.HostName(host)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// newTraceExporter accepts either a bare host:port (plain HTTP) or a full URL.
func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if u.Path != "" && u.Path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(u.Path))
	}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

type entry struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Service string `json:"service"`
	Host    string `json:"host,omitempty"`
	Msg     string `json:"msg"`
	TraceID string `json:"trace_id,omitempty"`
}

// lineWriter turns log.Logger output into one JSON object per line.
type lineWriter struct {
	mu      sync.Mutex
	service string
	host    string
	out     io.Writer
	now     func() time.Time
}

func newLineWriter(service string, out io.Writer) *lineWriter {
	if out == nil {
		out = os.Stdout
	}
	host, _ := os.Hostname()
	return &lineWriter{service: service, host: host, out: out, now: time.Now}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	level, msg := parseLevel(string(p))
	if err := w.Log(level, msg, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *lineWriter) Log(level, msg, traceID string) error {
	data, err := json.Marshal(entry{
		TS:      w.now().UTC().Format(time.RFC3339Nano),
		Level:   level,
		Service: w.service,
		Host:    w.host,
		Msg:     msg,
		TraceID: traceID,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

// parseLevel splits a leading level marker ("WARN x", "[warn] x", "warn: x")
// from the message. Anything else is INFO.
func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	var head, rest string
	switch {
	case strings.HasPrefix(trimmed, "["):
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			head, rest = trimmed[1:idx], trimmed[idx+1:]
		}
	case strings.Contains(trimmed, ":") && !strings.ContainsAny(trimmed[:strings.Index(trimmed, ":")], " \t"):
		idx := strings.Index(trimmed, ":")
		head, rest = trimmed[:idx], trimmed[idx+1:]
	}
	if level, ok := normalizeLevel(head); ok {
		return level, strings.TrimSpace(rest)
	}

	if fields := strings.Fields(trimmed); len(fields) > 1 {
		if level, ok := normalizeLevel(fields[0]); ok {
			return level, strings.TrimSpace(trimmed[len(fields[0]):])
		}
	}
	return "INFO", trimmed
}

func normalizeLevel(s string) (string, bool) {
	switch level := strings.ToUpper(strings.TrimSpace(s)); level {
	case "INFO", "ERROR", "WARN", "DEBUG":
		return level, true
	case "WARNING":
		return "WARN", true
	default:
		return "", false
	}
}
