package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is an insertion-ordered mapping from turn key to the latest text.
type Record struct {
	order []string
	text  map[string]string
}

// NewRecord creates an empty record
func NewRecord() *Record {
	return &Record{text: make(map[string]string)}
}

// Set inserts key at the end or overwrites it in place.
func (r *Record) Set(key, text string) {
	if _, ok := r.text[key]; !ok {
		r.order = append(r.order, key)
	}
	r.text[key] = text
}

// Get returns the text stored under key.
func (r *Record) Get(key string) (string, bool) {
	text, ok := r.text[key]
	return text, ok
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// Each visits entries in insertion order.
func (r *Record) Each(fn func(key, text string)) {
	for _, key := range r.order {
		fn(key, r.text[key])
	}
}

// Len returns the number of entries
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := &Record{
		order: make([]string, len(r.order)),
		text:  make(map[string]string, len(r.text)),
	}
	copy(c.order, r.order)
	for k, v := range r.text {
		c.text[k] = v
	}
	return c
}

// MarshalJSON encodes the record as a JSON object whose members keep
// insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.text[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, preserving member order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("conversation record must be a JSON object")
	}

	*r = Record{text: make(map[string]string)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected record key %v", keyTok)
		}
		var text string
		if err := dec.Decode(&text); err != nil {
			return fmt.Errorf("failed to decode record entry %q: %w", key, err)
		}
		r.Set(key, text)
	}
	_, err = dec.Token()
	return err
}

// Transcript is the persisted artifact of one completed session.
type Transcript struct {
	ID        string    `json:"id"`
	RoomName  string    `json:"room_name,omitempty"`
	Message   *Record   `json:"message"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// NewTranscript stamps a record with a fresh ID and the session bounds.
func NewTranscript(roomName string, record *Record, start, end time.Time) Transcript {
	return Transcript{
		ID:        uuid.NewString(),
		RoomName:  roomName,
		Message:   record,
		StartTime: start,
		EndTime:   end,
	}
}
