// Package stream decodes the line-delimited campaign event protocol.
//
// A campaign response body is newline-delimited text. Logical records are
// lines of the form
//
//	data: {"type":"progress","progress":42,"completed_probes":8,"total_probes":20}
//
// and every other line (blank keep-alives, comments, unknown prefixes) is
// ignored. Transport chunks do not align with lines, so the Decoder buffers
// the trailing partial line between chunks.
package stream

// RecordType tags an event record.
type RecordType string

const (
	TypeStart    RecordType = "start"
	TypeProgress RecordType = "progress"
	TypeComplete RecordType = "complete"
	TypeError    RecordType = "error"
)

// Valid reports whether t is one of the defined record types.
func (t RecordType) Valid() bool {
	switch t {
	case TypeStart, TypeProgress, TypeComplete, TypeError:
		return true
	}
	return false
}

// Record is one decoded event. Fields not relevant to Type are zero.
type Record struct {
	Type            RecordType `json:"type"`
	CampaignID      string     `json:"campaign_id,omitempty"`
	TotalProbes     int        `json:"total_probes,omitempty"`
	CompletedProbes int        `json:"completed_probes,omitempty"`
	Progress        float64    `json:"progress,omitempty"`
	CurrentProbe    string     `json:"current_probe,omitempty"`
	Message         string     `json:"message,omitempty"`
	Result          *Payload   `json:"result,omitempty"`
}

// Payload is the final campaign result carried by a complete record.
type Payload struct {
	CampaignID string           `json:"campaign_id,omitempty"`
	Target     string           `json:"target,omitempty"`
	StartedAt  string           `json:"started_at,omitempty"`
	FinishedAt string           `json:"finished_at,omitempty"`
	Results    []RawProbeResult `json:"results"`
}

// RawProbeResult is a single probe outcome as reported by the server.
type RawProbeResult struct {
	Category    string  `json:"category"`
	Prompt      string  `json:"prompt"`
	Response    string  `json:"response"`
	IsViolation bool    `json:"is_violation"`
	Confidence  float64 `json:"confidence"`
	Timestamp   string  `json:"timestamp,omitempty"`
}
