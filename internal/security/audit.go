package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/events"
)

// AuditEventType names one auditable occurrence. Request-level types cover
// what the HTTP middleware observes; the Engine* types mirror
// internal/events' Name values verbatim, so a routing/execution occurrence
// and an HTTP-request occurrence land in the same trail under the same
// name the event bus already uses.
type AuditEventType string

const (
	RequestServed         AuditEventType = "request_served"
	AuthenticationSuccess AuditEventType = "authentication_success"
	AuthenticationFailure AuditEventType = "authentication_failure"
	AuthorizationFailure  AuditEventType = "authorization_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"

	EnginePipelineDestroy          AuditEventType = AuditEventType(events.PipelineDestroy)
	EnginePipelineTemporaryBlock   AuditEventType = AuditEventType(events.PipelineTemporaryBlock)
	EnginePipelineManualUnblock    AuditEventType = AuditEventType(events.PipelineManualUnblock)
	EngineFallbackBlocked          AuditEventType = AuditEventType(events.FallbackBlocked)
	EngineProviderExecutionSuccess AuditEventType = AuditEventType(events.ProviderExecutionSuccess)
	EngineProviderExecutionFailure AuditEventType = AuditEventType(events.ProviderExecutionFailure)
)

// AuditEvent is one audit record. The engine-specific fields (PipelineID,
// Provider, Model, ErrorKind) are lifted out of the freeform details when
// present, so the trail can be filtered per pipeline the same way the
// health and blacklist state is keyed.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`

	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	PipelineID string `json:"pipeline_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BufferSize      int      `yaml:"buffer_size"`
	IncludeHeaders  bool     `yaml:"include_headers"`
	SensitiveFields []string `yaml:"sensitive_fields"`
}

// AuditLogger writes audit events through a bounded queue so recording an
// event never blocks the request path; a full queue drops the event and
// counts the drop.
type AuditLogger struct {
	config  *AuditConfig
	logger  *logrus.Logger
	queue   chan *AuditEvent
	done    chan struct{}
	written atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	stopped bool
}

// NewAuditLogger creates an audit logger and, when enabled, starts its
// single writer goroutine.
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	a := &AuditLogger{
		config: config,
		logger: logger,
		queue:  make(chan *AuditEvent, config.BufferSize),
		done:   make(chan struct{}),
	}
	if config.Enabled {
		go a.drain()
	}
	return a
}

func (a *AuditLogger) drain() {
	defer close(a.done)
	for ev := range a.queue {
		a.write(ev)
	}
}

// LogEvent records one audit event. Request identity (request id, user,
// client ip) is taken from ctx when the middleware put it there; the
// engine-specific fields are lifted from details when present.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	if !a.config.Enabled {
		return
	}

	ev := &AuditEvent{
		ID:        "audit_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severityOf(eventType),
		Message:   message,
		Details:   a.redactDetails(details),
	}
	a.fillFromContext(ctx, ev)
	liftEngineFields(ev)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	select {
	case a.queue <- ev:
		a.written.Add(1)
	default:
		a.dropped.Add(1)
		a.logger.Warn("audit queue full, dropping event")
	}
}

// LogAuthenticationAttempt records an authentication outcome against the
// identity that attempted it.
func (a *AuditLogger) LogAuthenticationAttempt(ctx context.Context, userID, method string, success bool, details map[string]interface{}) {
	eventType := AuthenticationSuccess
	message := fmt.Sprintf("user %s authenticated via %s", userID, method)
	if !success {
		eventType = AuthenticationFailure
		message = fmt.Sprintf("authentication failed for user %s via %s", userID, method)
	}

	if details == nil {
		details = make(map[string]interface{})
	}
	details["auth_method"] = method
	a.LogEvent(ctx, eventType, message, details)
}

// SubscribeEngineEvents mirrors the engine's own occurrences — a pipeline
// getting blacklisted, a destroy rule firing, a provider execution failing —
// into this audit trail, so routing/execution-layer events show up
// alongside the HTTP-request events AuditMiddleware records instead of
// being visible only as plain log lines. Runs until sub is unsubscribed.
func (a *AuditLogger) SubscribeEngineEvents(sub *events.Subscription) {
	go func() {
		for ev := range sub.Events {
			details := make(map[string]interface{}, len(ev.Payload))
			for k, v := range ev.Payload {
				details[k] = v
			}
			a.LogEvent(context.Background(), AuditEventType(ev.Name), string(ev.Name), details)
		}
	}()
}

// AuditMiddleware records one event per inbound HTTP request: method, path,
// status, duration, caller protocol, and whatever identity the auth layer
// attached. It also seeds the request id and client ip into the context so
// every later LogEvent on the same request correlates.
func (a *AuditLogger) AuditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			requestID := "req_" + uuid.NewString()
			ctx := context.WithValue(r.Context(), "request_id", requestID)
			ctx = context.WithValue(ctx, "client_ip", getClientIPFromRequest(r))

			next.ServeHTTP(rec, r.WithContext(ctx))

			details := map[string]interface{}{
				"method":          r.Method,
				"path":            r.URL.Path,
				"status_code":     rec.status,
				"duration_ms":     time.Since(start).Milliseconds(),
				"caller_protocol": CallerFormat(r),
				"user_agent":      r.UserAgent(),
			}
			if a.config.IncludeHeaders {
				headers := make(map[string]string)
				for key, values := range r.Header {
					if !a.isSensitiveField(key) {
						headers[key] = strings.Join(values, ", ")
					}
				}
				details["request_headers"] = headers
			}
			if authInfo, ok := ctx.Value("auth_info").(*AuthInfo); ok {
				details["user_id"] = authInfo.UserID
			}

			a.LogEvent(ctx, eventTypeForStatus(rec.status),
				fmt.Sprintf("%s %s -> %d", r.Method, r.URL.Path, rec.status), details)
		})
	}
}

// GetEventCount returns the number of events accepted into the queue.
func (a *AuditLogger) GetEventCount() int64 {
	return a.written.Load()
}

// DroppedCount returns the number of events lost to a full queue.
func (a *AuditLogger) DroppedCount() int64 {
	return a.dropped.Load()
}

// Stop closes the queue and waits for the writer to flush what it holds.
// Safe to call more than once.
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *AuditLogger) fillFromContext(ctx context.Context, ev *AuditEvent) {
	if requestID, ok := ctx.Value("request_id").(string); ok {
		ev.RequestID = requestID
	}
	if authInfo, ok := ctx.Value("auth_info").(*AuthInfo); ok {
		ev.UserID = authInfo.UserID
	}
	if clientIP, ok := ctx.Value("client_ip").(string); ok {
		ev.IPAddress = clientIP
	}
}

// liftEngineFields promotes the well-known keys the event bus and the HTTP
// middleware use into the event's typed fields.
func liftEngineFields(ev *AuditEvent) {
	take := func(key string) string {
		v, ok := ev.Details[key]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return ""
		}
		delete(ev.Details, key)
		return s
	}

	if v := take("pipeline"); v != "" {
		ev.PipelineID = v
	}
	if v := take("provider"); v != "" {
		ev.Provider = v
	}
	if v := take("model"); v != "" {
		ev.Model = v
	}
	if v := take("error_kind"); v != "" {
		ev.ErrorKind = v
	}
	if v := take("request_id"); v != "" && ev.RequestID == "" {
		ev.RequestID = v
	}

	if m, ok := ev.Details["method"].(string); ok {
		ev.Method = m
		delete(ev.Details, "method")
	}
	if p, ok := ev.Details["path"].(string); ok {
		ev.Path = p
		delete(ev.Details, "path")
	}
	if sc, ok := ev.Details["status_code"].(int); ok {
		ev.StatusCode = sc
		delete(ev.Details, "status_code")
	}
	if d, ok := ev.Details["duration_ms"].(int64); ok {
		ev.DurationMs = d
		delete(ev.Details, "duration_ms")
	}
}

func (a *AuditLogger) write(ev *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_id":    ev.ID,
		"event_type":  ev.EventType,
		"severity":    ev.Severity,
	}
	addIf := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	addIf("request_id", ev.RequestID)
	addIf("user_id", ev.UserID)
	addIf("ip_address", ev.IPAddress)
	addIf("pipeline_id", ev.PipelineID)
	addIf("provider", ev.Provider)
	addIf("model", ev.Model)
	addIf("error_kind", ev.ErrorKind)
	addIf("method", ev.Method)
	addIf("path", ev.Path)
	if ev.StatusCode != 0 {
		fields["status_code"] = ev.StatusCode
	}
	if ev.DurationMs != 0 {
		fields["duration_ms"] = ev.DurationMs
	}
	for key, value := range ev.Details {
		fields["detail_"+key] = value
	}

	entry := a.logger.WithFields(fields)
	switch ev.Severity {
	case "critical":
		entry.Error(ev.Message)
	case "high":
		entry.Warn(ev.Message)
	case "medium":
		entry.Info(ev.Message)
	default:
		entry.Debug(ev.Message)
	}
}

func (a *AuditLogger) redactDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	redacted := make(map[string]interface{}, len(details))
	for key, value := range details {
		if a.isSensitiveField(key) {
			redacted[key] = "***REDACTED***"
		} else {
			redacted[key] = value
		}
	}
	return redacted
}

var sensitiveFieldFragments = []string{
	"password", "token", "secret", "key", "auth", "credential",
	"authorization", "bearer",
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	fieldLower := strings.ToLower(field)
	for _, fragment := range sensitiveFieldFragments {
		if strings.Contains(fieldLower, fragment) {
			return true
		}
	}
	for _, configured := range a.config.SensitiveFields {
		if strings.EqualFold(field, configured) {
			return true
		}
	}
	return false
}

// severityOf ranks event types by how urgently an operator should look: a
// destroyed pipeline is gone for the process lifetime, a temporary block
// heals itself, a served request is routine.
func severityOf(eventType AuditEventType) string {
	switch eventType {
	case EnginePipelineDestroy:
		return "critical"
	case AuthenticationFailure, AuthorizationFailure,
		EngineProviderExecutionFailure, EngineFallbackBlocked:
		return "high"
	case RateLimitExceeded, ValidationFailure, EnginePipelineTemporaryBlock:
		return "medium"
	default:
		return "low"
	}
}

func eventTypeForStatus(status int) AuditEventType {
	switch {
	case status == 401:
		return AuthenticationFailure
	case status == 403:
		return AuthorizationFailure
	case status == 429:
		return RateLimitExceeded
	case status >= 400 && status < 500:
		return ValidationFailure
	default:
		return RequestServed
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
