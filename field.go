package txbtree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// StringLength is the fixed width, in bytes, of a serialized StringField.
// Configurable per table via TupleDesc in a full SimpleDB-lineage engine;
// fixed here the way the teacher's godb package fixes it in types.go.
const StringLength = 32

// DBType is the type of a field, e.g. IntType or StringType.
type DBType int

const (
	IntType DBType = iota
	StringType
)

func (t DBType) String() string {
	switch t {
	case IntType:
		return "int"
	case StringType:
		return "string"
	default:
		return "unknown"
	}
}

// FieldType names one column: its name and DBType. A TupleDesc is an
// ordered sequence of FieldType.
type FieldType struct {
	Fname string
	Ftype DBType
}

// TupleDesc is the schema of a table: field names and types, plus which
// field (by index) is the indexed key field that the B+tree is built
// over.
type TupleDesc struct {
	Fields     []FieldType
	KeyFieldNo int
}

func (d *TupleDesc) equals(other *TupleDesc) bool {
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// width returns the fixed serialized width, in bytes, of one tuple
// under this schema.
func (d *TupleDesc) width() int {
	w := 0
	for _, f := range d.Fields {
		switch f.Ftype {
		case IntType:
			w += 8
		case StringType:
			w += StringLength
		}
	}
	return w
}

// BoolOp is a comparison operator usable between two like-typed fields.
type BoolOp int

const (
	Equals BoolOp = iota
	NotEquals
	LessThan
	LessThanOrEqual
	GreaterThan
	GreaterThanOrEqual
)

func (op BoolOp) String() string {
	switch op {
	case Equals:
		return "="
	case NotEquals:
		return "!="
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return "?"
	}
}

// Field is a typed, ordered, serializable value. The core engine treats
// tuples opaquely except for extracting and comparing the key field, so
// Field is the only per-value contract it consumes (spec.md §3, §6).
type Field interface {
	Type() DBType
	// Compare applies op between this field and other, which must be
	// of the same DBType. Returns an error on a type mismatch.
	Compare(op BoolOp, other Field) (bool, error)
	Serialize(buf *bytes.Buffer) error
	Hash() uint64
	Equals(other Field) bool
	String() string
}

// IntField is a 64-bit signed integer field value.
type IntField struct {
	Value int64
}

func (f IntField) Type() DBType { return IntType }

func (f IntField) Compare(op BoolOp, other Field) (bool, error) {
	o, ok := other.(IntField)
	if !ok {
		return false, newDbException(TypeMismatchError, fmt.Sprintf("cannot compare IntField to %T", other))
	}
	return compareOrdered(op, f.Value, o.Value), nil
}

func (f IntField) Serialize(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, f.Value)
}

func (f IntField) Hash() uint64 {
	h := fnv.New64a()
	_ = binary.Write(h, binary.LittleEndian, f.Value)
	return h.Sum64()
}

func (f IntField) Equals(other Field) bool {
	o, ok := other.(IntField)
	return ok && o.Value == f.Value
}

func (f IntField) String() string { return strconv.FormatInt(f.Value, 10) }

// StringField is a fixed-width (StringLength bytes), null-padded string
// field value.
type StringField struct {
	Value string
}

func (f StringField) Type() DBType { return StringType }

func (f StringField) Compare(op BoolOp, other Field) (bool, error) {
	o, ok := other.(StringField)
	if !ok {
		return false, newDbException(TypeMismatchError, fmt.Sprintf("cannot compare StringField to %T", other))
	}
	return compareOrdered(op, f.Value, o.Value), nil
}

func (f StringField) Serialize(buf *bytes.Buffer) error {
	padded := make([]byte, StringLength)
	copy(padded, f.Value)
	_, err := buf.Write(padded)
	return err
}

func (f StringField) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(f.Value))
	return h.Sum64()
}

func (f StringField) Equals(other Field) bool {
	o, ok := other.(StringField)
	return ok && o.Value == f.Value
}

func (f StringField) String() string { return f.Value }

func compareOrdered[T int64 | string](op BoolOp, a, b T) bool {
	switch op {
	case Equals:
		return a == b
	case NotEquals:
		return a != b
	case LessThan:
		return a < b
	case LessThanOrEqual:
		return a <= b
	case GreaterThan:
		return a > b
	case GreaterThanOrEqual:
		return a >= b
	default:
		return false
	}
}

func readField(buf *bytes.Buffer, ft FieldType) (Field, error) {
	switch ft.Ftype {
	case IntType:
		var v int64
		if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
			return nil, wrapDbException(MalformedDataError, "reading int field", err)
		}
		return IntField{Value: v}, nil
	case StringType:
		raw := make([]byte, StringLength)
		if _, err := buf.Read(raw); err != nil {
			return nil, wrapDbException(MalformedDataError, "reading string field", err)
		}
		return StringField{Value: strings.TrimRight(string(raw), "\x00")}, nil
	default:
		return nil, newDbException(TypeMismatchError, fmt.Sprintf("unknown field type %v", ft.Ftype))
	}
}

// serializeKey renders a Field the way a leaf page's fixed-width key
// slot would, for use as a byte key in the membership filter.
func serializeKey(f Field) []byte {
	var buf bytes.Buffer
	_ = f.Serialize(&buf)
	return buf.Bytes()
}
