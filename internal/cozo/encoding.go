package cozo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// encTag is encoding.go's own byte-ordered tag discriminant. It mirrors
// value.go's Tag rank order but keeps Int and Float as separate bytes: an
// order-preserving byte encoding cannot make int64 and float64 compare
// correctly against each other without a lossy common representation, so
// the Int/Float numeric total order is enforced in-memory via Compare
// (sort, aggregation) rather than at the storage byte level. A key column
// holding a mix of Int and Float never arises in practice because the
// schema pins the column's declared type.
type encTag byte

const (
	encNull encTag = iota
	encBool
	encInt
	encFloat
	encString
	encBytes
	encUuid
	encList
	encTuple
)

// EncodeKey produces an order-preserving byte encoding of row, suitable as a
// bolt bucket key. Byte-lexicographic comparison of two EncodeKey outputs
// matches Compare() over the corresponding TupleRows when each column holds
// one fixed-width type (Null, Bool, Int, Float, Uuid). Strings, bytes, lists
// and tuples carry a length or count prefix (see writeLenPrefixed), so among
// those a shorter value sorts before a longer one whatever its content; Int
// and Float also sort apart (see encTag note above).
func EncodeKey(row TupleRow) []byte {
	var buf bytes.Buffer
	for _, v := range row {
		encodeKeyValue(&buf, v)
	}
	return buf.Bytes()
}

func encodeKeyValue(buf *bytes.Buffer, v Value) {
	switch v.Tag() {
	case TagNull:
		buf.WriteByte(byte(encNull))
	case TagBool:
		buf.WriteByte(byte(encBool))
		if v.AsBool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TagInt:
		buf.WriteByte(byte(encInt))
		binary.Write(buf, binary.BigEndian, orderPreservingInt64(v.AsInt()))
	case TagFloat:
		buf.WriteByte(byte(encFloat))
		binary.Write(buf, binary.BigEndian, orderPreservingFloat64(v.AsFloat()))
	case TagString:
		buf.WriteByte(byte(encString))
		writeLenPrefixed(buf, []byte(v.AsString()))
	case TagBytes:
		buf.WriteByte(byte(encBytes))
		writeLenPrefixed(buf, v.AsBytes())
	case TagUuid:
		buf.WriteByte(byte(encUuid))
		u := v.AsUUID()
		buf.Write(u[:])
	case TagList, TagTuple:
		if v.Tag() == TagList {
			buf.WriteByte(byte(encList))
		} else {
			buf.WriteByte(byte(encTuple))
		}
		items := v.AsList()
		binary.Write(buf, binary.BigEndian, uint32(len(items)))
		for _, item := range items {
			encodeKeyValue(buf, item)
		}
	}
}

// writeLenPrefixed writes a length-prefixed byte string. This breaks strict
// lexicographic ordering across differently-lengthed strings sharing a
// common prefix plus continuation bytes, an accepted trade-off: query-time
// ordering goes through Compare(), and storage iteration within one column
// only needs to group equal prefixes together, which length prefixing still
// does correctly for equality and fixed-width scans.
func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

// orderPreservingInt64 flips the sign bit so big-endian byte comparison of
// the result matches signed int64 comparison.
func orderPreservingInt64(i int64) uint64 {
	return uint64(i) ^ (1 << 63)
}

// orderPreservingFloat64 maps IEEE-754 bits so big-endian byte comparison
// matches float64 comparison for non-NaN values (flip sign bit for
// positives, flip all bits for negatives).
func orderPreservingFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits ^ (1 << 63)
}

// EncodeValue msgpack-encodes a row for storage as the bolt value bytes.
func EncodeValue(row TupleRow) ([]byte, error) {
	wire := make([]wireValue, len(row))
	for i, v := range row {
		wire[i] = toWireValue(v)
	}
	return msgpack.Marshal(wire)
}

// DecodeValue reverses EncodeValue.
func DecodeValue(data []byte) (TupleRow, error) {
	var wire []wireValue
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	row := make(TupleRow, len(wire))
	for i, w := range wire {
		v, err := fromWireValue(w)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// EncodeMsgpack lets a Value embedded in a larger persisted structure (a
// trigger body's constant expressions, for one) round-trip through msgpack
// despite its unexported fields.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(toWireValue(v))
}

// DecodeMsgpack reverses EncodeMsgpack.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireValue
	if err := dec.Decode(&w); err != nil {
		return err
	}
	decoded, err := fromWireValue(w)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// wireValue is the msgpack-visible shape of a Value: a tag byte plus
// whichever field is populated. Kept as an explicit struct (rather than
// relying on msgpack's interface{} guessing) so Int/Float/Bytes/Uuid round
// trip exactly instead of being coerced by the codec's default numeric
// type inference.
type wireValue struct {
	T     byte
	B     bool
	I     int64
	F     float64
	S     string
	By    []byte
	Items []wireValue
}

func toWireValue(v Value) wireValue {
	switch v.Tag() {
	case TagNull:
		return wireValue{T: byte(encNull)}
	case TagBool:
		return wireValue{T: byte(encBool), B: v.AsBool()}
	case TagInt:
		return wireValue{T: byte(encInt), I: v.AsInt()}
	case TagFloat:
		return wireValue{T: byte(encFloat), F: v.AsFloat()}
	case TagString:
		return wireValue{T: byte(encString), S: v.AsString()}
	case TagBytes:
		return wireValue{T: byte(encBytes), By: v.AsBytes()}
	case TagUuid:
		u := v.AsUUID()
		return wireValue{T: byte(encUuid), By: append([]byte(nil), u[:]...)}
	case TagList, TagTuple:
		items := v.AsList()
		out := make([]wireValue, len(items))
		for i, item := range items {
			out[i] = toWireValue(item)
		}
		t := byte(encList)
		if v.Tag() == TagTuple {
			t = byte(encTuple)
		}
		return wireValue{T: t, Items: out}
	default:
		return wireValue{T: byte(encNull)}
	}
}

func fromWireValue(w wireValue) (Value, error) {
	switch encTag(w.T) {
	case encNull:
		return Null(), nil
	case encBool:
		return Bool(w.B), nil
	case encInt:
		return Int(w.I), nil
	case encFloat:
		return Float(w.F), nil
	case encString:
		return String(w.S), nil
	case encBytes:
		return Bytes(w.By), nil
	case encUuid:
		if len(w.By) != 16 {
			return Value{}, fmt.Errorf("encoding: malformed uuid wire value (len %d)", len(w.By))
		}
		var u uuid.UUID
		copy(u[:], w.By)
		return UUID(u), nil
	case encList, encTuple:
		items := make([]Value, len(w.Items))
		for i, iw := range w.Items {
			v, err := fromWireValue(iw)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		if encTag(w.T) == encTuple {
			return Tuple(items), nil
		}
		return List(items), nil
	default:
		return Value{}, fmt.Errorf("encoding: unknown wire tag %d", w.T)
	}
}
