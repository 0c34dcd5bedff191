package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrMissingRecord  = errors.New("record message has no record body")
	ErrMissingState   = errors.New("state message has no state body")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Type is the kind of a message flowing through the write path.
type Type string

const (
	TypeRecord Type = "RECORD"
	TypeState  Type = "STATE"
	TypeLog    Type = "LOG"
	TypeTrace  Type = "TRACE"
)

// StreamKey identifies a target stream.
type StreamKey struct {
	Namespace string
	Name      string
}

func (k StreamKey) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "." + k.Name
}

// SortKeys orders keys by their string form.
func SortKeys(keys []StreamKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}

// Message is a single line of the write protocol.
type Message struct {
	Type   Type            `json:"type"`
	Record *Record         `json:"record,omitempty"`
	State  *State          `json:"state,omitempty"`
	Log    *Log            `json:"log,omitempty"`
	Trace  json.RawMessage `json:"trace,omitempty"`
}

type Record struct {
	Namespace string          `json:"namespace,omitempty"`
	Stream    string          `json:"stream"`
	EmittedAt int64           `json:"emitted_at"`
	Data      json.RawMessage `json:"data"`

	raw []byte
}

func (r *Record) Key() StreamKey {
	return StreamKey{Namespace: r.Namespace, Name: r.Stream}
}

// UnmarshalJSON keeps the serialized form so it can be buffered without re-encoding.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Record(p)
	r.raw = bytes.Clone(b)
	return nil
}

// Bytes returns the serialized record.
func (r *Record) Bytes() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	type plain Record
	b, err := json.Marshal((*plain)(r))
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	r.raw = b
	return b, nil
}

type StateType string

const (
	StateTypeStream StateType = "STREAM"
	StateTypeGlobal StateType = "GLOBAL"
	StateTypeLegacy StateType = "LEGACY"
)

type State struct {
	Type   StateType       `json:"type,omitempty"`
	Stream *StreamState    `json:"stream,omitempty"`
	Global json.RawMessage `json:"global,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type StreamState struct {
	Descriptor StreamDescriptor `json:"stream_descriptor"`
	State      json.RawMessage  `json:"stream_state,omitempty"`
}

type StreamDescriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// Key returns the stream a STREAM state is scoped to. Global and legacy
// states cover every stream and report false.
func (s *State) Key() (StreamKey, bool) {
	if s.Type != StateTypeStream || s.Stream == nil {
		return StreamKey{}, false
	}
	return StreamKey{Namespace: s.Stream.Descriptor.Namespace, Name: s.Stream.Descriptor.Name}, true
}

type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Decode parses one protocol line.
func Decode(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyMessage
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	switch msg.Type {
	case TypeRecord:
		if msg.Record == nil {
			return nil, ErrMissingRecord
		}
	case TypeState:
		if msg.State == nil {
			return nil, ErrMissingState
		}
	case TypeLog, TypeTrace:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return &msg, nil
}

// Encode serializes a message as a single line without a trailing newline.
func Encode(msg *Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return b, nil
}
