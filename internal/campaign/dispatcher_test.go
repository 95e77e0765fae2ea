package campaign

import (
	"errors"
	"reflect"
	"testing"

	"github.com/oremus-labs/ol-redteam/internal/stream"
)

type recordingSink struct {
	updates []ProgressUpdate
}

func (s *recordingSink) Progress(u ProgressUpdate) {
	s.updates = append(s.updates, u)
}

func (s *recordingSink) percents() []int {
	out := make([]int, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.Percent)
	}
	return out
}

func TestDispatcherClampsAndSmoothsProgress(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := NewDispatcher(sink)
	d.Dispatch(stream.Record{Type: stream.TypeStart, CampaignID: "c-1", TotalProbes: 10})
	if d.State().Phase != PhaseRunning {
		t.Fatalf("expected running after start, got %s", d.State().Phase)
	}
	for _, p := range []float64{5, 50, 30, 120, 99.6} {
		d.Dispatch(stream.Record{Type: stream.TypeProgress, Progress: p})
	}
	d.Dispatch(stream.Record{Type: stream.TypeComplete, Result: &stream.Payload{}})

	want := []int{20, 50, 50, 99, 99, 100}
	if got := sink.percents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected progress sequence.\nwant: %v\n got: %v", want, got)
	}
	state := d.State()
	if state.Phase != PhaseCompleted || state.Progress != 100 || state.CompletedProbes != 10 {
		t.Fatalf("unexpected final state: %+v", state)
	}
	if d.Payload() == nil || d.Payload().CampaignID != "c-1" {
		t.Fatalf("expected payload to inherit campaign id, got %+v", d.Payload())
	}
}

func TestDispatcherTerminalStatesAreImmutable(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := NewDispatcher(sink)
	d.Dispatch(stream.Record{Type: stream.TypeStart})
	d.Dispatch(stream.Record{Type: stream.TypeComplete, Result: &stream.Payload{}})

	if d.Dispatch(stream.Record{Type: stream.TypeError, Message: "late"}) {
		t.Fatalf("records after completion must be ignored")
	}
	if d.Dispatch(stream.Record{Type: stream.TypeProgress, Progress: 40}) {
		t.Fatalf("records after completion must be ignored")
	}
	d.Fail(&Error{Kind: KindNetwork})
	d.EndOfStream()

	if d.State().Phase != PhaseCompleted || d.State().Err != nil {
		t.Fatalf("terminal state changed: %+v", d.State())
	}
	if len(sink.updates) != 1 {
		t.Fatalf("expected only the completion update, got %+v", sink.updates)
	}
}

func TestDispatcherServerError(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	d.Dispatch(stream.Record{Type: stream.TypeStart})
	d.Dispatch(stream.Record{Type: stream.TypeError, Message: "target model unreachable"})

	state := d.State()
	if state.Phase != PhaseFailed || state.Err == nil || state.Err.Kind != KindServer {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Err.Message != "target model unreachable" {
		t.Fatalf("server message not carried: %q", state.Err.Message)
	}
}

func TestDispatcherErrorWhileIdle(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	d.Dispatch(stream.Record{Type: stream.TypeError})
	if d.State().Phase != PhaseFailed || d.State().Err.Message == "" {
		t.Fatalf("unexpected state: %+v", d.State())
	}
}

func TestDispatcherEndOfStreamWithoutComplete(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	d.Dispatch(stream.Record{Type: stream.TypeStart})
	d.Dispatch(stream.Record{Type: stream.TypeProgress, Progress: 70})
	d.EndOfStream()

	state := d.State()
	if state.Phase != PhaseFailed || state.Err.Kind != KindProtocol {
		t.Fatalf("unexpected state: %+v", state)
	}
	if !errors.Is(state.Err, ErrStreamIncomplete) {
		t.Fatalf("expected ErrStreamIncomplete, got %v", state.Err)
	}
}

func TestDispatcherCompleteWithoutPayload(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := NewDispatcher(sink)
	d.Dispatch(stream.Record{Type: stream.TypeStart})
	d.Dispatch(stream.Record{Type: stream.TypeComplete})

	if d.State().Phase != PhaseFailed || d.State().Err.Kind != KindProtocol {
		t.Fatalf("unexpected state: %+v", d.State())
	}
	if len(sink.updates) != 0 {
		t.Fatalf("no 100%% update may be sent for a failed completion: %+v", sink.updates)
	}
}

func TestDispatcherProgressBeforeStart(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := NewDispatcher(sink)
	d.Dispatch(stream.Record{Type: stream.TypeProgress, Progress: 10, CompletedProbes: 1, TotalProbes: 4})

	state := d.State()
	if state.Phase != PhaseRunning || state.Progress != ProgressFloor || state.TotalProbes != 4 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestErrorPhases(t *testing.T) {
	t.Parallel()

	cases := map[Kind]Phase{
		KindTimeout:  PhaseAborted,
		KindCanceled: PhaseAborted,
		KindNetwork:  PhaseFailed,
		KindAuth:     PhaseFailed,
		KindProtocol: PhaseFailed,
		KindServer:   PhaseFailed,
	}
	for kind, phase := range cases {
		if got := (&Error{Kind: kind}).Phase(); got != phase {
			t.Fatalf("%s: expected %s got %s", kind, phase, got)
		}
	}
}
