package ir

import (
	"encoding/json"
	"fmt"
)

// Message kinds.
const (
	// KindInit seeds a session with its root spec. Only the first one in a
	// session's order takes effect.
	KindInit = "init"

	// KindSet asks a record to set (or, with an absent value, remove) one key.
	KindSet = "set"
)

// Message is one entry in a session's total order.
//
// Seq is assigned by the replication channel when the message is sequenced;
// a message that has not been sequenced yet has Seq 0 and an empty ID.
// From is the identifier of the synchronizer that issued the write, or empty
// for catch-up and replayed traffic.
type Message struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id,omitempty"`
	Session string `json:"session"`
	Kind    string `json:"kind"`
	Record  string `json:"record,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   Value  `json:"value,omitempty"`
	From    string `json:"from,omitempty"`
}

// messageJSON mirrors Message with the value kept raw so Value can be decoded
// through UnmarshalValue.
type messageJSON struct {
	Seq     int64           `json:"seq"`
	ID      string          `json:"id,omitempty"`
	Session string          `json:"session"`
	Kind    string          `json:"kind"`
	Record  string          `json:"record,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	From    string          `json:"from,omitempty"`
}

// MarshalJSON implements json.Marshaler. An absent value is omitted.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		Seq:     m.Seq,
		ID:      m.ID,
		Session: m.Session,
		Kind:    m.Kind,
		Record:  m.Record,
		Key:     m.Key,
		From:    m.From,
	}
	if !IsAbsent(m.Value) {
		raw, err := MarshalValue(m.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal message value: %w", err)
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{
		Seq:     in.Seq,
		ID:      in.ID,
		Session: in.Session,
		Kind:    in.Kind,
		Record:  in.Record,
		Key:     in.Key,
		From:    in.From,
	}
	if len(in.Value) > 0 {
		v, err := UnmarshalValue(in.Value)
		if err != nil {
			return fmt.Errorf("unmarshal message value: %w", err)
		}
		m.Value = v
	}
	return nil
}

// Sequenced returns a copy of m stamped with seq and its content-addressed ID.
func (m Message) Sequenced(seq int64) (Message, error) {
	m.Seq = seq
	m.ID = ""
	id, err := MessageID(m)
	if err != nil {
		return Message{}, err
	}
	m.ID = id
	return m, nil
}
