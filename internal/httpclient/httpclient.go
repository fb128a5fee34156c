// Package httpclient implements the HTTP Request Handler: the single
// outbound call primitive every pipeline ultimately goes through. It does
// not classify errors or retry; that's internal/serverlayer and
// internal/errclass. The engine never calls a model SDK, only raw JSON
// over HTTP.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	keepAliveThresholdBytes = 10 * 1024
	chunkSizeBytes          = 8 * 1024
	heartbeatInterval       = 30 * time.Second
)

// TransportErrorKind mirrors errclass.TransportErrorKind; duplicated here
// (rather than imported) to keep the HTTP Request Handler a leaf package
// with no dependency on the classifier it feeds.
type TransportErrorKind string

const (
	KindConnectionRefused TransportErrorKind = "ConnectionRefused"
	KindDNSFailure        TransportErrorKind = "DNSFailure"
	KindConnectionReset   TransportErrorKind = "ConnectionReset"
	KindSocketHangUp      TransportErrorKind = "SocketHangUp"
	KindTimeout           TransportErrorKind = "Timeout"
	KindOther             TransportErrorKind = "Other"
)

// TransportError wraps a raw transport failure with its classified kind.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options configures one outbound call.
type Options struct {
	Method  string // default POST
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the raw outcome of a completed call.
type Response struct {
	Status  int
	Body    []byte
	Headers http.Header
}

// Client is the HTTP Request Handler. One Client is shared across pipelines;
// it owns the transport's connection pool.
type Client struct {
	http *http.Client
	log  *logrus.Entry
}

func New(log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.WithField("component", "httpclient"),
	}
}

// Do performs one outbound call.
func (c *Client) Do(ctx context.Context, url string, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	bodyReader, bodyLen := c.bodyReader(ctx, opts.Body)
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, &TransportError{Kind: KindOther, Err: err}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(bodyLen)
	req.Header.Set("Content-Length", fmt.Sprintf("%d", bodyLen))

	if bodyLen > keepAliveThresholdBytes {
		req.Header.Set("Connection", "keep-alive")
		req.Header.Set("Keep-Alive", "timeout=300, max=10")
	}

	var stopHeartbeat func()
	if bodyLen > keepAliveThresholdBytes {
		stopHeartbeat = c.startHeartbeat(url)
	}

	resp, err := c.http.Do(req)
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return &Response{Status: resp.StatusCode, Body: data, Headers: resp.Header}, nil
}

// bodyReader wraps opts.Body so bodies over 10 KiB are fed to the
// transport in 8 KiB chunks. net/http
// pulls from the reader as it writes to the wire, so a chunking io.Reader
// is sufficient; no manual flush loop is needed.
func (c *Client) bodyReader(ctx context.Context, body []byte) (io.Reader, int) {
	if len(body) == 0 {
		return nil, 0
	}
	if len(body) <= keepAliveThresholdBytes {
		return bytes.NewReader(body), len(body)
	}
	return &chunkedReader{ctx: ctx, data: body}, len(body)
}

// chunkedReader serves Read in chunkSizeBytes increments, which is all
// "written in 8 KiB chunks" requires of a reader: net/http's transport
// already reads from the body in bounded increments, so capping Read's
// return size is what keeps each chunk to 8 KiB on the wire.
type chunkedReader struct {
	ctx    context.Context
	data   []byte
	offset int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}
	n := chunkSizeBytes
	if n > len(p) {
		n = len(p)
	}
	remaining := len(r.data) - r.offset
	if n > remaining {
		n = remaining
	}
	copy(p, r.data[r.offset:r.offset+n])
	r.offset += n
	return n, nil
}

// startHeartbeat logs a warning every 30s of silence for large requests.
// Returns a stop function to cancel the timer on completion.
func (c *Client) startHeartbeat(url string) func() {
	done := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.log.WithFields(logrus.Fields{
					"url":        url,
					"elapsed_ms": time.Since(start).Milliseconds(),
				}).Warn("outbound request still in flight")
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// classifyTransportError maps a raw net/http error into the transport-kind
// kind taxonomy. It does not decide retry policy.
func classifyTransportError(err error) *TransportError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return &TransportError{Kind: KindConnectionRefused, Err: err}
	case strings.Contains(msg, "no such host"):
		return &TransportError{Kind: KindDNSFailure, Err: err}
	case strings.Contains(msg, "connection reset"):
		return &TransportError{Kind: KindConnectionReset, Err: err}
	case strings.Contains(msg, "eof") || strings.Contains(msg, "broken pipe"):
		return &TransportError{Kind: KindSocketHangUp, Err: err}
	default:
		return &TransportError{Kind: KindOther, Err: err}
	}
}
