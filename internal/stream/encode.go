package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// Encode renders rec as a single wire line followed by a blank separator.
func Encode(rec Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", rec.Type, err)
	}
	out := make([]byte, 0, len(Prefix)+len(body)+2)
	out = append(out, Prefix...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// Write encodes rec onto w.
func Write(w io.Writer, rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
