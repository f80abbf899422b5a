package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	moveSpanName    = "api.board.move"
	moveEventName   = "board.move.request"
	moveEventDomain = "board"
	moveRoute       = "/api/boards/:boardID/gestures/:gestureID/drop"
)

// moveRequestMetrics collects per-stage timings for one drop request and
// emits them once, as a structured log entry and as a span event, when the
// request finishes.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	decodeDuration time.Duration
	dropDuration   time.Duration
	outcome        string
	taskID         string
	errorStage     string
}

// newMoveRequestMetrics opens the request span and returns the context the
// rest of the request should run under.
func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("api").Start(ctx, moveSpanName)
	m := &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}
	return m, spanCtx
}

func (m *moveRequestMetrics) ObserveDecode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.decodeDuration = duration
}

func (m *moveRequestMetrics) ObserveDrop(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.dropDuration = duration
}

func (m *moveRequestMetrics) SetOutcome(outcome string) {
	if outcome == "" {
		return
	}
	m.outcome = outcome
}

func (m *moveRequestMetrics) SetTaskID(taskID string) {
	if taskID == "" {
		return
	}
	m.taskID = taskID
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log closes the span and emits the observability event. Call it exactly
// once, after the response status is known.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":          moveRoute,
		"http.status_code":    status,
		"board.move.total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.decodeDuration > 0 {
		attrs["board.move.decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.dropDuration > 0 {
		attrs["board.move.drop_ms"] = durationToMillis(m.dropDuration)
	}
	if m.outcome != "" {
		attrs["board.move.outcome"] = m.outcome
	}
	if m.taskID != "" {
		attrs["board.move.task_id"] = m.taskID
	}
	if m.errorStage != "" {
		attrs["board.move.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	fields := log.Fields{
		"event.name":      moveEventName,
		"event.domain":    moveEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}

	if m.span != nil {
		eventAttrs := make([]attribute.KeyValue, 0, len(attrs)+4)
		eventAttrs = append(eventAttrs,
			attribute.String("event.name", moveEventName),
			attribute.String("event.domain", moveEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		)
		for k, v := range attrs {
			eventAttrs = append(eventAttrs, anyAttribute(k, v))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		m.span.SetAttributes(
			attribute.String("http.route", moveRoute),
			attribute.Int("http.status_code", status),
		)
		if m.outcome != "" {
			m.span.SetAttributes(attribute.String("board.move.outcome", m.outcome))
		}
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("board.move.error_stage", m.errorStage))
		}

		switch {
		case err != nil:
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}

		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.End()
	}

	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), "observability.event")
}

// severityForStatus maps an HTTP status and error to OpenTelemetry log
// severity. Any error outranks the status code.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(number int) log.Level {
	switch {
	case number >= 17:
		return log.ErrorLevel
	case number >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func anyAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
