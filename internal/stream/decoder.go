package stream

import (
	"bytes"
	"encoding/json"

	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/metrics"
)

// Prefix marks a line that carries a record.
const Prefix = "data: "

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decoder turns arbitrarily split chunks of a campaign stream into complete
// records, in arrival order. It holds at most one incomplete line between
// calls. Splitting happens on the raw bytes and '\n' never occurs inside a
// multi-byte UTF-8 sequence, so characters split across chunks are rejoined
// before any line is parsed.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf       []byte
	sawFirst  bool
	malformed int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and returns every record completed by it.
func (d *Decoder) Feed(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)

	var out []Record
	start := 0
	for {
		idx := bytes.IndexByte(d.buf[start:], '\n')
		if idx < 0 {
			break
		}
		if rec, ok := d.parseLine(d.buf[start : start+idx]); ok {
			out = append(out, rec)
		}
		start += idx + 1
	}
	if start > 0 {
		d.buf = append(d.buf[:0], d.buf[start:]...)
	}
	return out
}

// Flush parses whatever remains buffered once the stream has ended and
// clears the buffer.
func (d *Decoder) Flush() []Record {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if rec, ok := d.parseLine(line); ok {
		return []Record{rec}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Malformed returns how many data lines failed to parse so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}

func (d *Decoder) parseLine(raw []byte) (Record, bool) {
	line := raw
	if !d.sawFirst {
		d.sawFirst = true
		line = bytes.TrimPrefix(line, utf8BOM)
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, false
	}
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		metrics.ObserveDroppedRecord("no_prefix")
		return Record{}, false
	}
	body := line[len(Prefix):]

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		d.malformed++
		metrics.ObserveDroppedRecord("malformed")
		logutil.Warn("stream_record_malformed", map[string]interface{}{
			"error": err.Error(),
			"line":  logutil.Excerpt(string(body), 120),
		})
		return Record{}, false
	}
	if !rec.Type.Valid() {
		metrics.ObserveDroppedRecord("unknown_type")
		logutil.Warn("stream_record_unknown_type", map[string]interface{}{
			"type": string(rec.Type),
		})
		return Record{}, false
	}
	return rec, true
}
