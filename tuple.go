package txbtree

import (
	"bytes"
	"fmt"
)

// RecordID names the page and slot a tuple currently lives at. It is
// set on a tuple by insert and consulted by delete (spec.md §3
// "Lifecycle").
type RecordID struct {
	PageID PageID
	Slot   int
}

func (r RecordID) String() string {
	return fmt.Sprintf("%v:%d", r.PageID, r.Slot)
}

// Tuple is a fixed-schema ordered vector of typed fields. The core
// treats tuples opaquely except for extracting the configured key
// field (spec.md §3).
type Tuple struct {
	Desc   *TupleDesc
	Fields []Field
	Rid    *RecordID
}

// key returns the tuple's indexed key field.
func (t *Tuple) key() Field {
	return t.Fields[t.Desc.KeyFieldNo]
}

func (t *Tuple) equals(other *Tuple) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.Fields) != len(other.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].Equals(other.Fields[i]) {
			return false
		}
	}
	return true
}

func (t *Tuple) writeTo(buf *bytes.Buffer) error {
	for _, f := range t.Fields {
		if err := f.Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func readTupleFrom(buf *bytes.Buffer, desc *TupleDesc) (*Tuple, error) {
	t := &Tuple{Desc: desc, Fields: make([]Field, 0, len(desc.Fields))}
	for _, ft := range desc.Fields {
		f, err := readField(buf, ft)
		if err != nil {
			return nil, err
		}
		t.Fields = append(t.Fields, f)
	}
	return t, nil
}

func (t *Tuple) String() string {
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprint(parts)
}
