// Package observability carries the tracing and service-level tracking of
// the restore control service. Span export is configured by the deployment
// through the global OpenTelemetry provider; this package only creates
// spans and records operation outcomes.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "restore-control"

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// statusRecorder captures the response status for span attributes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware opens a server span per request and records the method,
// path, status and duration. Observations also feed the SLO tracker when
// one is attached.
func HTTPMiddleware(tracker *SLOTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := Tracer().Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			if recorder.status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(recorder.status))
			}
			if tracker != nil {
				tracker.Observe(operationForPath(r.Method, r.URL.Path), elapsed, recorder.status < 500)
			}
		})
	}
}

// operationForPath maps a request onto the tracked operation vocabulary.
func operationForPath(method, path string) string {
	switch {
	case method == http.MethodPost && path == "/v1/plans":
		return OperationCreatePlan
	case method == http.MethodPost && path == "/v1/jobs":
		return OperationCreateJob
	case method == http.MethodPost && hasSuffixSegment(path, "execute"):
		return OperationExecute
	case method == http.MethodPost && hasSuffixSegment(path, "resume"):
		return OperationResume
	case method == http.MethodPost && hasSuffixSegment(path, "evidence"):
		return OperationExportEvidence
	default:
		return OperationRead
	}
}

func hasSuffixSegment(path, segment string) bool {
	if len(path) <= len(segment) {
		return false
	}
	return path[len(path)-len(segment):] == segment && path[len(path)-len(segment)-1] == '/'
}
