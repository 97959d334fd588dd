package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	HeaderSignature = "X-SAF-Signature"
	HeaderEvent     = "X-SAF-Event"
	HeaderTimestamp = "X-SAF-Timestamp"

	// MaxErrorBody caps the response body captured for a non-2xx reply.
	MaxErrorBody = 1000

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Request is a single delivery attempt.
type Request struct {
	TargetURL string
	Secret    string
	EventType string
	Payload   []byte
}

// Result classifies an attempt. StatusCode is zero when no HTTP response was
// received.
type Result struct {
	Success    bool
	StatusCode int
	Error      string
	Duration   time.Duration
}

// Dispatcher performs one signed HTTP POST per Deliver call and never retries.
type Dispatcher struct {
	client *http.Client
	now    func() time.Time
}

// NewDispatcher returns a Dispatcher whose client gives up after timeout.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	return NewDispatcherWithClient(&http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}

func NewDispatcherWithClient(client *http.Client) *Dispatcher {
	return &Dispatcher{client: client, now: time.Now}
}

func (d *Dispatcher) Deliver(ctx context.Context, req Request) Result {
	start := time.Now()
	result := d.deliver(ctx, req)
	result.Duration = time.Since(start)
	return result
}

func (d *Dispatcher) deliver(ctx context.Context, req Request) Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetURL, bytes.NewReader(req.Payload))
	if err != nil {
		return Result{Error: err.Error()}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderSignature, SignatureHeader(req.Secret, req.Payload))
	httpReq.Header.Set(HeaderEvent, req.EventType)
	httpReq.Header.Set(HeaderTimestamp, d.now().UTC().Format(timestampLayout))

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
	// Drain a little more so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, StatusCode: resp.StatusCode}
	}

	msg := Truncate(string(body), MaxErrorBody)
	if strings.TrimSpace(msg) == "" {
		msg = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return Result{StatusCode: resp.StatusCode, Error: msg}
}

// Truncate cuts s to at most n bytes and replaces any invalid UTF-8 left behind.
func Truncate(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}
