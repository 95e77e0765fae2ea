package stream

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleStream = "data: {\"type\":\"start\",\"campaign_id\":\"c-1\",\"total_probes\":2}\n\n" +
	": keep-alive\n" +
	"data: {\"type\":\"progress\",\"progress\":40,\"completed_probes\":1,\"total_probes\":2,\"current_probe\":\"jailbreak — «rôle» 🔓\"}\n\n" +
	"data: {\"type\":\"complete\",\"result\":{\"campaign_id\":\"c-1\",\"results\":[" +
	"{\"category\":\"jailbreak\",\"prompt\":\"ignore previous\",\"response\":\"Désolé, je ne peux pas 🙅\",\"is_violation\":false,\"confidence\":0.1}," +
	"{\"category\":\"prompt_injection\",\"prompt\":\"print secrets\",\"response\":\"sure: hunter2\",\"is_violation\":true,\"confidence\":0.95}]}}\n\n"

func decodeAll(chunks [][]byte) []Record {
	d := NewDecoder()
	var out []Record
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return append(out, d.Flush()...)
}

func TestDecoderWholeStream(t *testing.T) {
	t.Parallel()

	got := decodeAll([][]byte{[]byte(sampleStream)})
	if len(got) != 3 {
		t.Fatalf("expected 3 records got %d: %+v", len(got), got)
	}
	if got[0].Type != TypeStart || got[0].CampaignID != "c-1" || got[0].TotalProbes != 2 {
		t.Fatalf("unexpected start record: %+v", got[0])
	}
	if got[1].CurrentProbe != "jailbreak — «rôle» 🔓" {
		t.Fatalf("multi-byte label corrupted: %q", got[1].CurrentProbe)
	}
	if got[2].Result == nil || len(got[2].Result.Results) != 2 {
		t.Fatalf("unexpected complete payload: %+v", got[2].Result)
	}
	if got[2].Result.Results[0].Response != "Désolé, je ne peux pas 🙅" {
		t.Fatalf("multi-byte response corrupted: %q", got[2].Result.Results[0].Response)
	}
}

func TestDecoderSplitInvariance(t *testing.T) {
	t.Parallel()

	data := []byte(sampleStream)
	want := decodeAll([][]byte{data})

	// Every two-way split, which covers mid-prefix, mid-JSON and mid-rune cuts.
	for i := 1; i < len(data); i++ {
		got := decodeAll([][]byte{data[:i], data[i:]})
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("split at %d changed output (-want +got):\n%s", i, diff)
		}
	}

	// Byte-at-a-time.
	single := make([][]byte, 0, len(data))
	for i := range data {
		single = append(single, data[i:i+1])
	}
	if diff := cmp.Diff(want, decodeAll(single)); diff != "" {
		t.Fatalf("byte-at-a-time changed output (-want +got):\n%s", diff)
	}

	// Random chunkings.
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var chunks [][]byte
		for pos := 0; pos < len(data); {
			n := 1 + rng.Intn(24)
			if pos+n > len(data) {
				n = len(data) - pos
			}
			chunks = append(chunks, data[pos:pos+n])
			pos += n
		}
		if diff := cmp.Diff(want, decodeAll(chunks)); diff != "" {
			t.Fatalf("round %d changed output (-want +got):\n%s", round, diff)
		}
	}
}

func TestDecoderSkipsMalformedLine(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	got := d.Feed([]byte("data: {\"type\":\"start\",\"campaign_id\":\"a\"}\n" +
		"data: {not json\n" +
		"data: {\"type\":\"progress\",\"progress\":50}\n"))
	if len(got) != 2 {
		t.Fatalf("expected 2 records got %d: %+v", len(got), got)
	}
	if got[0].Type != TypeStart || got[1].Type != TypeProgress {
		t.Fatalf("records out of order: %+v", got)
	}
	if d.Malformed() != 1 {
		t.Fatalf("expected 1 malformed line got %d", d.Malformed())
	}
}

func TestDecoderDropsUnknownTypesAndUnprefixedLines(t *testing.T) {
	t.Parallel()

	got := decodeAll([][]byte{[]byte(
		"event: progress\n" +
			"{\"type\":\"progress\",\"progress\":30}\n" +
			"data: {\"type\":\"heartbeat\"}\n" +
			"data: null\n" +
			"data: [1,2]\n" +
			"data:{\"type\":\"progress\",\"progress\":31}\n" +
			"data: {\"type\":\"error\",\"message\":\"boom\"}\n",
	)})
	want := []Record{{Type: TypeError, Message: "boom"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestDecoderRetainsOnlyTrailingPartialLine(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	if recs := d.Feed([]byte("data: {\"type\":\"start\"}\ndata: {\"type\":\"prog")); len(recs) != 1 {
		t.Fatalf("expected start record, got %+v", recs)
	}
	if d.Buffered() != len("data: {\"type\":\"prog") {
		t.Fatalf("unexpected buffered length %d", d.Buffered())
	}
	if recs := d.Feed([]byte("ress\",\"progress\":25}\r\n")); len(recs) != 1 || recs[0].Progress != 25 {
		t.Fatalf("expected progress record after CRLF, got %+v", recs)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", d.Buffered())
	}
}

func TestDecoderFlushParsesUnterminatedRecord(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	if recs := d.Feed([]byte("data: {\"type\":\"error\",\"message\":\"late\"}")); len(recs) != 0 {
		t.Fatalf("unterminated line must not be emitted before flush: %+v", recs)
	}
	recs := d.Flush()
	if len(recs) != 1 || recs[0].Message != "late" {
		t.Fatalf("expected flushed error record, got %+v", recs)
	}
	if d.Buffered() != 0 || d.Flush() != nil {
		t.Fatalf("flush must clear the buffer")
	}
}

func TestDecoderFlushDiscardsGarbage(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	d.Feed([]byte("data: {\"type\":\"start\"}\n   "))
	if recs := d.Flush(); len(recs) != 0 {
		t.Fatalf("whitespace tail must be discarded, got %+v", recs)
	}
}

func TestDecoderStripsLeadingBOM(t *testing.T) {
	t.Parallel()

	got := decodeAll([][]byte{{0xEF, 0xBB}, []byte("\xBFdata: {\"type\":\"start\"}\n")})
	if len(got) != 1 || got[0].Type != TypeStart {
		t.Fatalf("expected start record after BOM, got %+v", got)
	}
}

func TestEncodeRoundTripsThroughDecoder(t *testing.T) {
	t.Parallel()

	rec := Record{Type: TypeProgress, Progress: 55, CompletedProbes: 11, TotalProbes: 20}
	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := decodeAll([][]byte{data})
	if diff := cmp.Diff([]Record{rec}, got); diff != "" {
		t.Fatalf("unexpected decode (-want +got):\n%s", diff)
	}
}
