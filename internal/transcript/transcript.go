// Package transcript records session wire traffic in JSON-Lines format.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Direction tags which way a frame travelled.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Header is the first line of a transcript file.
type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Event is a single recorded frame.
// Format: [time_offset_seconds, direction, payload]
type Event struct {
	TimeOffset float64
	Direction  string
	Payload    string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Direction, e.Payload})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	e.TimeOffset = offset

	direction, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid direction type")
	}
	e.Direction = direction

	payload, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid payload type")
	}
	e.Payload = payload

	return nil
}

// Recorder writes a session transcript: one header line followed by one line
// per recorded frame.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewRecorder creates a Recorder writing to the given file path.
func NewRecorder(filePath string, sessionID, endpoint string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	r, err := NewRecorderWriter(file, sessionID, endpoint)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

// NewRecorderWriter creates a Recorder writing to an existing writer.
// The caller retains ownership of the writer.
func NewRecorderWriter(w io.Writer, sessionID, endpoint string) (*Recorder, error) {
	r := &Recorder{
		writer:    w,
		startTime: time.Now(),
	}

	header := Header{
		Version:   1,
		SessionID: sessionID,
		Endpoint:  endpoint,
		Timestamp: r.startTime.Unix(),
	}
	if err := r.writeLine(header); err != nil {
		return nil, fmt.Errorf("failed to write transcript header: %w", err)
	}
	return r, nil
}

// Record appends one frame to the transcript.
func (r *Recorder) Record(direction string, payload []byte) error {
	event := Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Direction:  direction,
		Payload:    string(payload),
	}
	return r.writeLine(event)
}

func (r *Recorder) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript line: %w", err)
	}
	return nil
}

// Close closes the underlying file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
