// Package output renders deployment events for humans, CI logs, or
// machine consumers.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/peleka/peleka/internal/deploy"
)

// Mode selects the rendering style.
type Mode string

const (
	// ModeHuman prints progress lines as phases complete.
	ModeHuman Mode = "human"
	// ModeQuiet prints only the final per-host results.
	ModeQuiet Mode = "quiet"
	// ModeJSON prints newline-delimited JSON events.
	ModeJSON Mode = "json"
)

// New builds a sink writing to w. Events arrive from concurrent host tasks;
// the sink serializes them.
func New(mode Mode, w io.Writer) deploy.Sink {
	switch mode {
	case ModeQuiet:
		return &quietSink{w: w}
	case ModeJSON:
		return &jsonSink{w: w}
	default:
		return &humanSink{w: w}
	}
}

type humanSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *humanSink) Event(e deploy.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Status {
	case deploy.StatusStarted:
		if e.Detail != "" {
			fmt.Fprintf(s.w, "  → [%s] %s: %s\n", e.Host, e.Phase, e.Detail)
		} else {
			fmt.Fprintf(s.w, "  → [%s] %s\n", e.Host, e.Phase)
		}
	case deploy.StatusFailed:
		fmt.Fprintf(s.w, "  ✗ [%s] %s failed: %s\n", e.Host, e.Phase, e.Detail)
	case deploy.StatusWarning:
		fmt.Fprintf(s.w, "  ! [%s] %s\n", e.Host, e.Detail)
	case deploy.StatusOK:
		if e.Detail != "" {
			fmt.Fprintf(s.w, "  ✓ [%s] %s: %s\n", e.Host, e.Phase, e.Detail)
		}
	}
}

func (s *humanSink) Outcome(o deploy.HostOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range o.Warnings {
		fmt.Fprintf(s.w, "  ! [%s] warning: %s\n", o.Host, w)
	}
	switch o.Result {
	case deploy.ResultSuccess:
		fmt.Fprintf(s.w, "  ✓ [%s] done in %s\n", o.Host, o.Duration.Round(time.Millisecond))
	case deploy.ResultSkipped:
		fmt.Fprintf(s.w, "  - [%s] skipped\n", o.Host)
	default:
		fmt.Fprintf(s.w, "  ✗ [%s] failed: %s\n", o.Host, o.Reason)
	}
}

type quietSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *quietSink) Event(deploy.Event) {}

func (s *quietSink) Outcome(o deploy.HostOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Result == deploy.ResultSuccess {
		fmt.Fprintf(s.w, "%s: ok\n", o.Host)
		return
	}
	fmt.Fprintf(s.w, "%s: %s\n", o.Host, o.Reason)
}

type jsonSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func (s *jsonSink) encoder() *json.Encoder {
	if s.enc == nil {
		s.enc = json.NewEncoder(s.w)
	}
	return s.enc
}

func (s *jsonSink) Event(e deploy.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.encoder().Encode(e)
}

type jsonOutcome struct {
	Type string `json:"type"`
	deploy.HostOutcome
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s *jsonSink) Outcome(o deploy.HostOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.encoder().Encode(jsonOutcome{
		Type:            "outcome",
		HostOutcome:     o,
		DurationSeconds: o.Duration.Seconds(),
	})
}
