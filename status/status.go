// Package status reports session phase transitions to the backend API. Reports
// are fire and forget: a failed or throttled report is logged and dropped, it
// never interrupts the session.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/ambient-code/session-runner/telemetry"
)

type (
	// Phase is a session lifecycle phase.
	Phase string

	// Update is one status report.
	Update struct {
		Phase          Phase      `json:"phase"`
		Message        string     `json:"message,omitempty"`
		FinalOutput    string     `json:"finalOutput,omitempty"`
		Cost           *float64   `json:"cost,omitempty"`
		CompletionTime *time.Time `json:"completionTime,omitempty"`
	}

	// Option configures a Reporter.
	Option func(*Reporter)

	// Reporter sends status updates for one session to the backend API.
	Reporter struct {
		baseURL string
		name    string
		http    *http.Client
		headers map[string]string
		limiter *rate.Limiter
		insts   *telemetry.Instruments
	}
)

// Session lifecycle phases.
const (
	PhaseInitializing Phase = "Initializing"
	PhaseRunning      Phase = "Running"
	PhaseCompleted    Phase = "Completed"
	PhaseFailed       Phase = "Failed"
)

// IsTerminal reports whether the phase ends the session.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// WithHTTPClient overrides the HTTP client used for reports.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.http = c }
}

// WithHeader adds a header to every report, e.g. a service account token.
func WithHeader(key, value string) Option {
	return func(r *Reporter) { r.headers[key] = value }
}

// WithBearerToken sets the Authorization header on every report.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithInterimLimit throttles non-terminal reports to at most one per interval.
// Terminal reports are never throttled.
func WithInterimLimit(interval time.Duration) Option {
	return func(r *Reporter) { r.limiter = rate.NewLimiter(rate.Every(interval), 1) }
}

// WithTelemetry records a counter per report attempt.
func WithTelemetry(insts *telemetry.Instruments) Option {
	return func(r *Reporter) { r.insts = insts }
}

// New builds a Reporter for the named session. baseURL is the backend API root.
func New(baseURL, name string, opts ...Option) *Reporter {
	r := &Reporter{
		baseURL: baseURL,
		name:    name,
		http:    &http.Client{Timeout: 10 * time.Second},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report sends one status update. Non-terminal updates may be dropped by the
// interim rate limit; failures are logged and swallowed.
func (r *Reporter) Report(ctx context.Context, u Update) {
	if !u.Phase.IsTerminal() && r.limiter != nil && !r.limiter.Allow() {
		log.Debugf(ctx, "status update throttled: phase=%s", u.Phase)
		return
	}
	r.insts.RecordReport(ctx, string(u.Phase))
	if err := r.send(ctx, u); err != nil {
		log.Errorf(ctx, err, "report session status: phase=%s", u.Phase)
		return
	}
	log.Debugf(ctx, "reported session status: phase=%s", u.Phase)
}

func (r *Reporter) send(ctx context.Context, u Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	endpoint := fmt.Sprintf("%s/agentic-sessions/%s/status", r.baseURL, url.PathEscape(r.name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("put status: unexpected status %s", resp.Status)
	}
	return nil
}
