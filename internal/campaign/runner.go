// Package campaign runs probe campaigns against the streaming probe API and
// turns the event stream into a single classified outcome.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oremus-labs/ol-redteam/config"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/metrics"
	"github.com/oremus-labs/ol-redteam/internal/stream"
)

const defaultReadSize = 4 << 10

var errCampaignDeadline = errors.New("campaign deadline exceeded")

// Options configures a Runner.
type Options struct {
	Source Source
	// Timeout bounds the whole campaign. It is clamped to the configured
	// range; zero selects the default.
	Timeout time.Duration
	// ReadSize is the read buffer size.
	ReadSize int
}

// Runner owns the lifecycle of campaign requests. A Runner holds no
// per-campaign state and may run several campaigns concurrently; each Run
// gets its own decoder and dispatcher.
type Runner struct {
	source   Source
	timeout  time.Duration
	readSize int
}

// Outcome is the resolution of one Run. State is always populated; Payload
// is set only when the campaign completed.
type Outcome struct {
	Payload  *stream.Payload
	State    State
	Duration time.Duration
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	readSize := opts.ReadSize
	if readSize <= 0 {
		readSize = defaultReadSize
	}
	return &Runner{
		source:   opts.Source,
		timeout:  config.ClampCampaignTimeout(opts.Timeout),
		readSize: readSize,
	}
}

// Timeout returns the effective campaign bound.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run issues req and blocks until the campaign reaches a terminal phase.
// The returned error, when non-nil, is a *Error. The response body is
// released on every path, and once ctx is done no further records reach
// progress.
func (r *Runner) Run(ctx context.Context, req Request, progress ProgressSink) (*Outcome, error) {
	start := time.Now()
	disp := NewDispatcher(progress)

	runCtx, cancel := context.WithTimeoutCause(ctx, r.timeout, errCampaignDeadline)
	defer cancel()

	if r.source == nil {
		disp.Fail(protocolError(errNoSource.Error(), errNoSource))
		return r.finish(disp, start)
	}

	body, err := r.source.Open(runCtx, req)
	if err != nil {
		disp.Fail(r.classify(runCtx, err))
		return r.finish(disp, start)
	}
	closeBody := sync.OnceFunc(func() { _ = body.Close() })
	defer closeBody()
	// Closing the body is what unblocks a pending Read on cancellation.
	stop := context.AfterFunc(runCtx, closeBody)
	defer stop()

	dec := stream.NewDecoder()
	buf := make([]byte, r.readSize)
	for !disp.Terminal() {
		if runCtx.Err() != nil {
			disp.Fail(r.classify(runCtx, runCtx.Err()))
			break
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			r.dispatch(runCtx, disp, dec.Feed(buf[:n]))
		}
		if readErr == nil {
			continue
		}
		switch {
		case runCtx.Err() != nil:
			disp.Fail(r.classify(runCtx, readErr))
		case errors.Is(readErr, io.EOF):
			r.dispatch(runCtx, disp, dec.Flush())
			disp.EndOfStream()
		default:
			disp.Fail(r.classify(runCtx, readErr))
		}
		break
	}
	return r.finish(disp, start)
}

func (r *Runner) dispatch(ctx context.Context, disp *Dispatcher, records []stream.Record) {
	for _, rec := range records {
		if ctx.Err() != nil || disp.Terminal() {
			return
		}
		disp.Dispatch(rec)
	}
}

// classify maps a failure onto the campaign taxonomy.
func (r *Runner) classify(ctx context.Context, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errCampaignDeadline) {
			return timeoutError(r.timeout, err)
		}
		msg := "campaign canceled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "campaign canceled: caller deadline exceeded"
		}
		return &Error{Kind: KindCanceled, Message: msg, Err: err}
	}
	return &Error{Kind: KindNetwork, Message: fmt.Sprintf("transport failed: %v", err), Err: err}
}

func (r *Runner) finish(disp *Dispatcher, start time.Time) (*Outcome, error) {
	state := disp.State()
	out := &Outcome{State: state, Duration: time.Since(start)}

	kind := ""
	fields := map[string]interface{}{
		"campaignId": state.CampaignID,
		"phase":      string(state.Phase),
		"progress":   state.Progress,
		"durationMs": out.Duration.Milliseconds(),
	}
	if state.Err != nil {
		kind = string(state.Err.Kind)
		fields["kind"] = kind
		logutil.Error("campaign_finished", state.Err, fields)
	} else {
		out.Payload = disp.Payload()
		if out.Payload != nil {
			fields["results"] = len(out.Payload.Results)
		}
		logutil.Info("campaign_finished", fields)
	}
	metrics.ObserveCampaign(string(state.Phase), kind, out.Duration)

	if state.Err != nil {
		return out, state.Err
	}
	return out, nil
}
