package compiler

import (
	"bytes"
	"encoding/json"
)

// InputKV is one input of a compiled node entry, in insertion order.
type InputKV struct {
	Name  string
	Value any
}

// Entry is one compiled node record: class type, ordered inputs, and the
// human title carried under _meta for downstream tooling.
type Entry struct {
	ID        string
	ClassType string
	Title     string
	Inputs    []InputKV
}

// Input returns the compiled value of the named input.
func (e Entry) Input(name string) (any, bool) {
	for _, kv := range e.Inputs {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return nil, false
}

// connValue is a resolved connection reference, encoded on the wire as
// ["node_id", output_index].
type connValue struct {
	id    string
	index int
}

func (c connValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.id, c.index})
}

// Payload is the compiled execution payload: a mapping from external node
// id to its canonical record. Marshalling is insertion-ordered so the same
// graph always compiles to identical bytes.
type Payload struct {
	entries []Entry
}

// Entries returns the compiled node records in graph order.
func (p *Payload) Entries() []Entry { return p.entries }

// Entry returns the compiled record for the given node id.
func (p *Payload) Entry(id string) (Entry, bool) {
	for _, e := range p.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of compiled nodes.
func (p *Payload) Len() int { return len(p.entries) }

// MarshalJSON encodes the payload with entry and input keys in insertion
// order. encoding/json sorts map keys, which would be stable but would not
// match the loader's ordering, so the object is written by hand.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range p.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, e.ID); err != nil {
			return nil, err
		}
		buf.WriteString(`{"class_type":`)
		ct, err := json.Marshal(e.ClassType)
		if err != nil {
			return nil, err
		}
		buf.Write(ct)
		buf.WriteString(`,"inputs":{`)
		for j, kv := range e.Inputs {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeKey(&buf, kv.Name); err != nil {
				return nil, err
			}
			v, err := json.Marshal(kv.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(v)
		}
		buf.WriteByte('}')
		if e.Title != "" {
			title, err := json.Marshal(e.Title)
			if err != nil {
				return nil, err
			}
			buf.WriteString(`,"_meta":{"title":`)
			buf.Write(title)
			buf.WriteByte('}')
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	return nil
}
