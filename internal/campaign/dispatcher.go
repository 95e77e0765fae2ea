package campaign

import (
	"math"

	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/metrics"
	"github.com/oremus-labs/ol-redteam/internal/stream"
)

// Phase is the lifecycle position of a campaign.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseAborted   Phase = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseAborted
}

// Progress bounds for progress records. Once running, the reported value
// never drops below ProgressFloor; only a complete record reports 100.
const (
	ProgressFloor    = 20
	ProgressCeiling  = 99
	ProgressComplete = 100
)

// State is a snapshot of a campaign.
type State struct {
	Phase           Phase  `json:"phase"`
	CampaignID      string `json:"campaignId,omitempty"`
	Progress        int    `json:"progress"`
	TotalProbes     int    `json:"totalProbes"`
	CompletedProbes int    `json:"completedProbes"`
	Err             *Error `json:"-"`
}

// Dispatcher is the campaign state machine. It consumes records in decode
// order; phases only move Idle -> Running -> {Completed, Failed, Aborted}
// and terminal phases never change. Not safe for concurrent use.
type Dispatcher struct {
	state   State
	payload *stream.Payload
	sink    ProgressSink
}

// NewDispatcher returns an idle dispatcher reporting to sink (may be nil).
func NewDispatcher(sink ProgressSink) *Dispatcher {
	if sink == nil {
		sink = nopSink{}
	}
	return &Dispatcher{
		state: State{Phase: PhaseIdle},
		sink:  sink,
	}
}

// State returns the current snapshot.
func (d *Dispatcher) State() State {
	return d.state
}

// Payload returns the complete payload once the campaign completed.
func (d *Dispatcher) Payload() *stream.Payload {
	return d.payload
}

// Terminal reports whether the campaign reached a terminal phase.
func (d *Dispatcher) Terminal() bool {
	return d.state.Phase.Terminal()
}

// Dispatch applies rec. It returns false when the record was ignored because
// the campaign already terminated.
func (d *Dispatcher) Dispatch(rec stream.Record) bool {
	if d.Terminal() {
		return false
	}
	metrics.ObserveDispatchedRecord(string(rec.Type))

	switch rec.Type {
	case stream.TypeStart:
		d.start(rec)
	case stream.TypeProgress:
		d.ensureRunning(rec)
		d.progress(rec)
	case stream.TypeComplete:
		d.ensureRunning(rec)
		d.complete(rec)
	case stream.TypeError:
		msg := rec.Message
		if msg == "" {
			msg = "campaign failed on the server"
		}
		d.Fail(&Error{Kind: KindServer, Message: msg})
	default:
		return false
	}
	return true
}

// EndOfStream fails the campaign unless a complete record was observed.
func (d *Dispatcher) EndOfStream() {
	if d.Terminal() {
		return
	}
	d.Fail(protocolError(ErrStreamIncomplete.Error(), ErrStreamIncomplete))
}

// Fail moves a non-terminal campaign into the phase implied by err.
func (d *Dispatcher) Fail(err *Error) {
	if d.Terminal() || err == nil {
		return
	}
	d.state.Phase = err.Phase()
	d.state.Err = err
}

func (d *Dispatcher) start(rec stream.Record) {
	if d.state.Phase == PhaseIdle {
		d.state.Phase = PhaseRunning
	}
	if d.state.CampaignID == "" {
		d.state.CampaignID = rec.CampaignID
	}
	if rec.TotalProbes > 0 {
		d.state.TotalProbes = rec.TotalProbes
	}
}

// ensureRunning covers servers that skip the start record.
func (d *Dispatcher) ensureRunning(rec stream.Record) {
	if d.state.Phase != PhaseIdle {
		return
	}
	logutil.Warn("campaign_record_before_start", map[string]interface{}{
		"type": string(rec.Type),
	})
	d.start(rec)
}

func (d *Dispatcher) progress(rec stream.Record) {
	if rec.TotalProbes > 0 {
		d.state.TotalProbes = rec.TotalProbes
	}
	if rec.CompletedProbes > d.state.CompletedProbes {
		d.state.CompletedProbes = rec.CompletedProbes
	}

	value := clampProgress(rec.Progress)
	if value < d.state.Progress {
		value = d.state.Progress
	}
	d.state.Progress = value
	d.emit(rec.CurrentProbe)
}

func (d *Dispatcher) complete(rec stream.Record) {
	if rec.Result == nil {
		d.Fail(protocolError("complete record carried no result payload", nil))
		return
	}
	payload := *rec.Result
	if payload.CampaignID == "" {
		payload.CampaignID = d.state.CampaignID
	}
	if d.state.CampaignID == "" {
		d.state.CampaignID = payload.CampaignID
	}
	if n := len(payload.Results); n > d.state.TotalProbes {
		d.state.TotalProbes = n
	}
	d.payload = &payload
	d.state.Phase = PhaseCompleted
	d.state.Progress = ProgressComplete
	d.state.CompletedProbes = d.state.TotalProbes
	d.emit("")
}

func (d *Dispatcher) emit(current string) {
	d.sink.Progress(ProgressUpdate{
		CampaignID:      d.state.CampaignID,
		Percent:         d.state.Progress,
		CompletedProbes: d.state.CompletedProbes,
		TotalProbes:     d.state.TotalProbes,
		CurrentProbe:    current,
		Phase:           d.state.Phase,
	})
}

func clampProgress(v float64) int {
	if math.IsNaN(v) {
		return ProgressFloor
	}
	v = math.Max(ProgressFloor, math.Min(ProgressCeiling, v))
	return int(math.Round(v))
}
