// Package serverlayer implements the Server layer: wraps the HTTP Request
// Handler with provider-local retries, JSON recovery, and response-shape
// validation.
package serverlayer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/httpclient"
	"github.com/tributary-ai/routing-engine/internal/model"
)

// Config carries the per-pipeline timeout/retry budget the Protocol layer
// resolved.
type Config struct {
	TimeoutMs  int
	MaxRetries int
}

// Layer wraps an httpclient.Client with provider-local retry policy.
type Layer struct {
	http *httpclient.Client
	log  *logrus.Entry
}

func New(client *httpclient.Client, log *logrus.Logger) *Layer {
	if log == nil {
		log = logrus.New()
	}
	return &Layer{http: client, log: log.WithField("component", "serverlayer")}
}

// Result is a completed (not necessarily successful) call, shape-validated
// and JSON-recovered where possible.
type Result struct {
	Status int
	Body   map[string]interface{}
}

// Call executes url/opts against the pipeline, retrying transient
// failures, and
// returns either a parsed+validated Result or a structured *model.EngineError.
// The returned error's Kind mirrors the raw outcome; internal/errclass
// assigns the ErrorAction separately (the Execution Manager's job, not this
// layer's).
func (l *Layer) Call(ctx context.Context, pipelineID model.PipelineID, url string, opts httpclient.Options, cfg Config) (*Result, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if opts.Timeout == 0 && cfg.TimeoutMs > 0 {
		opts.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		resp, err := l.http.Do(ctx, url, opts)
		if err != nil {
			lastErr = err
			if !l.shouldRetryTransport(err, attempt, maxRetries) {
				return nil, l.wrapTransportError(pipelineID, err)
			}
			l.sleep(ctx, backoffFor(err))
			continue
		}

		if resp.Status >= 500 && resp.Status != 502 && resp.Status != 504 && attempt <= maxRetries {
			l.log.WithFields(logrus.Fields{"pipeline": pipelineID, "status": resp.Status, "attempt": attempt}).Warn("retrying after server error")
			l.sleep(ctx, backoffForAttempt(attempt))
			lastErr = model.NewError(model.ErrProviderFailure, "serverlayer", fmt.Sprintf("upstream status %d", resp.Status), nil).WithUpstream(resp.Status, string(resp.Body))
			continue
		}

		if resp.Status >= 300 {
			return nil, l.statusError(pipelineID, resp.Status, resp.Body)
		}

		return l.parseAndValidate(pipelineID, resp.Status, resp.Body)
	}

	if lastErr == nil {
		lastErr = model.NewError(model.ErrProviderFailure, "serverlayer", "retries exhausted", nil)
	}
	return nil, lastErr
}

func (l *Layer) shouldRetryTransport(err error, attempt, maxRetries int) bool {
	if attempt > maxRetries {
		return false
	}
	var terr *httpclient.TransportError
	if !asTransportError(err, &terr) {
		return false
	}
	switch terr.Kind {
	case httpclient.KindConnectionReset, httpclient.KindSocketHangUp, httpclient.KindTimeout:
		return true
	default:
		return false
	}
}

func asTransportError(err error, target **httpclient.TransportError) bool {
	te, ok := err.(*httpclient.TransportError)
	if ok {
		*target = te
		return true
	}
	return false
}

// backoffFor picks the retry delay: 1s baseline, 2s first retry for
// SocketHangUp, and a longer first step for buffer/OOM-adjacent errors.
func backoffFor(err error) time.Duration {
	var terr *httpclient.TransportError
	if asTransportError(err, &terr) {
		if isBufferError(terr.Error()) {
			return 5 * time.Second
		}
		if terr.Kind == httpclient.KindSocketHangUp {
			return 2 * time.Second
		}
	}
	return time.Second
}

func backoffForAttempt(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func isBufferError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "buffer") || strings.Contains(lower, "out of memory")
}

func (l *Layer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (l *Layer) wrapTransportError(pipelineID model.PipelineID, err error) error {
	var terr *httpclient.TransportError
	if asTransportError(err, &terr) && isBufferError(terr.Error()) {
		l.log.WithField("pipeline", pipelineID).Warn("buffer-related transport failure, consider increasing heap")
	}
	return model.NewError(model.ErrNetwork, "serverlayer", err.Error(), err).WithPipeline(pipelineID)
}

// statusError turns a non-2xx provider response into the structured error
// the Error Classifier acts on, extracting the provider's own error message
// when the body is JSON-shaped.
func (l *Layer) statusError(pipelineID model.PipelineID, status int, raw []byte) error {
	msg := fmt.Sprintf("upstream status %d", status)
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err == nil {
		if m, ok := body["error"].(map[string]interface{}); ok {
			if s, ok := m["message"].(string); ok && s != "" {
				msg = s
			}
		}
	}

	kind := model.ErrProviderFailure
	switch {
	case status == 401 || status == 403:
		kind = model.ErrAuthentication
	case status == 429:
		kind = model.ErrRateLimited
	}
	return model.NewError(kind, "serverlayer", msg, nil).
		WithPipeline(pipelineID).WithUpstream(status, string(raw))
}

// parseAndValidate parses a 2xx body with one recovery pass and validates
// its shape.
func (l *Layer) parseAndValidate(pipelineID model.PipelineID, status int, raw []byte) (*Result, error) {
	body, err := strictOrRecoveredJSON(raw)
	if err != nil {
		snippet := string(raw)
		if len(snippet) > 100 {
			snippet = snippet[:100]
		}
		return nil, model.NewError(model.ErrProviderFailure, "serverlayer", "unparseable provider response", err).
			WithPipeline(pipelineID).WithUpstream(status, snippet)
	}

	if errVal, ok := body["error"]; ok {
		msg := fmt.Sprintf("%v", errVal)
		if m, ok := errVal.(map[string]interface{}); ok {
			if s, ok := m["message"].(string); ok {
				msg = s
			}
		}
		return nil, model.NewError(model.ErrProviderFailure, "serverlayer", msg, nil).
			WithPipeline(pipelineID).WithUpstream(status, msg)
	}

	if _, ok := body["choices"]; ok {
		return &Result{Status: status, Body: body}, nil
	}

	// Unknown/non-OpenAI shape: wrap synthetically.
	if synthesized, ok := synthesize(body); ok {
		l.log.WithField("pipeline", pipelineID).Warn("synthesizing OpenAI-shaped envelope from non-standard response")
		return &Result{Status: status, Body: synthesized}, nil
	}

	l.log.WithField("pipeline", pipelineID).Warn("unrecognized response shape, synthesizing empty envelope")
	return &Result{Status: status, Body: emptyEnvelope()}, nil
}

func strictOrRecoveredJSON(raw []byte) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err == nil {
		return body, nil
	}

	repaired := repairJSON(raw)
	if err := json.Unmarshal(repaired, &body); err == nil {
		return body, nil
	}
	return nil, fmt.Errorf("invalid JSON after repair attempt")
}

// repairJSON is the permissive repair pass: balance open
// braces/brackets, strip control characters. Tool-argument re-escaping is
// handled structurally once the body parses (arguments are already strings
// by the time they reach this layer's typed consumers).
func repairJSON(raw []byte) []byte {
	cleaned := stripControlChars(raw)

	var opens, closes int
	for _, b := range cleaned {
		switch b {
		case '{', '[':
			opens++
		case '}', ']':
			closes++
		}
	}
	if opens <= closes {
		return cleaned
	}

	missing := opens - closes
	suffix := make([]byte, 0, missing)
	// Close in LIFO order by scanning for the last unmatched opener.
	var stack []byte
	for _, b := range cleaned {
		switch b {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		suffix = append(suffix, stack[i])
	}
	return append(cleaned, suffix...)
}

func stripControlChars(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == '\n' || b == '\t' || b >= 0x20 {
			out = append(out, b)
		}
	}
	return out
}

// synthesize wraps a salvageable non-standard body: a top-level
// content/message/text field
// is wrapped into a one-choice OpenAI envelope.
func synthesize(body map[string]interface{}) (map[string]interface{}, bool) {
	var content string
	switch {
	case isString(body["content"]):
		content = body["content"].(string)
	case isString(body["message"]):
		content = body["message"].(string)
	case isString(body["text"]):
		content = body["text"].(string)
	default:
		return nil, false
	}

	return map[string]interface{}{
		"id":      "synthetic-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		"object":  "chat.completion",
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"message":       map[string]interface{}{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	}, true
}

func isString(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func emptyEnvelope() map[string]interface{} {
	return map[string]interface{}{
		"id":      "synthetic-empty",
		"object":  "chat.completion",
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"message":       map[string]interface{}{"role": "assistant", "content": ""},
				"finish_reason": "stop",
			},
		},
	}
}
