// Package protocol defines the wire format shared by the host, supervisors and
// guests: typed values, return values and guest environment definitions.
//
// Everything is SCALE encoded: little-endian fixed-width integers,
// compact-encoded lengths and one-byte enum tags.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

var (
	// ErrUnexpectedEOF is returned when the input ends in the middle of a value.
	ErrUnexpectedEOF = errors.New("protocol: unexpected end of input")

	// ErrTrailingBytes is returned when input remains after the decoded value.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after value")

	errCompactOverflow = errors.New("compact value overflows 32 bits")
)

// DecodeError describes malformed input.
type DecodeError struct {
	What   string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: cannot decode %s at offset %d: %v", e.What, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const (
	tagI32 byte = 0
	tagI64 byte = 1
	tagF32 byte = 2
	tagF64 byte = 3
)

// Encode writes the tag byte followed by the little-endian payload.
func (v Value) Encode(encoder scale.Encoder) error {
	var err error
	switch v.Type {
	case ValueTypeI32:
		if err = encoder.PushByte(tagI32); err == nil {
			err = encoder.Encode(uint32(v.bits))
		}
	case ValueTypeI64:
		if err = encoder.PushByte(tagI64); err == nil {
			err = encoder.Encode(v.bits)
		}
	case ValueTypeF32:
		if err = encoder.PushByte(tagF32); err == nil {
			err = encoder.Encode(uint32(v.bits))
		}
	case ValueTypeF64:
		if err = encoder.PushByte(tagF64); err == nil {
			err = encoder.Encode(v.bits)
		}
	default:
		err = fmt.Errorf("protocol: cannot encode value of type %s", v.Type)
	}
	return err
}

// Decode reads a tagged value.
func (v *Value) Decode(decoder scale.Decoder) error {
	tag, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch tag {
	case tagI32, tagF32:
		var bits uint32
		if err := decoder.Decode(&bits); err != nil {
			return err
		}
		v.Type, v.bits = ValueTypeI32, uint64(bits)
		if tag == tagF32 {
			v.Type = ValueTypeF32
		}
	case tagI64, tagF64:
		var bits uint64
		if err := decoder.Decode(&bits); err != nil {
			return err
		}
		v.Type, v.bits = ValueTypeI64, bits
		if tag == tagF64 {
			v.Type = ValueTypeF64
		}
	default:
		return fmt.Errorf("unknown value tag %d", tag)
	}
	return nil
}

// Encode writes 0 for unit, or 1 followed by the value.
func (r ReturnValue) Encode(encoder scale.Encoder) error {
	if !r.HasValue {
		return encoder.PushByte(0)
	}
	if err := encoder.PushByte(1); err != nil {
		return err
	}
	return r.Value.Encode(encoder)
}

// Decode reads a return value.
func (r *ReturnValue) Decode(decoder scale.Decoder) error {
	tag, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch tag {
	case 0:
		*r = Unit
		return nil
	case 1:
		var v Value
		if err := v.Decode(decoder); err != nil {
			return err
		}
		*r = ReturnOf(v)
		return nil
	default:
		return fmt.Errorf("unknown return value tag %d", tag)
	}
}

// encode runs fn against an in-memory encoder. Writes to a bytes.Buffer do
// not fail, so an error means fn was handed an invalid value.
func encode(fn func(*scale.Encoder) error) []byte {
	var buf bytes.Buffer
	if err := fn(scale.NewEncoder(&buf)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func encodeCompact(encoder *scale.Encoder, n int) error {
	return encoder.EncodeUintCompact(*new(big.Int).SetUint64(uint64(n)))
}

func encodeString(encoder *scale.Encoder, s string) error {
	if err := encodeCompact(encoder, len(s)); err != nil {
		return err
	}
	return encoder.Write([]byte(s))
}

// reader decodes from a byte slice and tracks the read offset for error
// reporting.
type reader struct {
	in  []byte
	r   *bytes.Reader
	dec *scale.Decoder
}

func newReader(b []byte) *reader {
	r := bytes.NewReader(b)
	return &reader{in: b, r: r, dec: scale.NewDecoder(r)}
}

func (rd *reader) offset() int { return len(rd.in) - rd.r.Len() }

func (rd *reader) remaining() int { return rd.r.Len() }

func (rd *reader) fail(what string, at int, err error) error {
	return &DecodeError{What: what, Offset: at, Err: err}
}

// compact reads a compact-encoded integer that must fit in 32 bits.
func (rd *reader) compact(what string) (uint32, error) {
	at := rd.offset()
	if rd.remaining() == 0 {
		return 0, rd.fail(what, at, ErrUnexpectedEOF)
	}
	n, err := rd.dec.DecodeUintCompact()
	if err != nil {
		return 0, rd.fail(what, at, err)
	}
	if !n.IsUint64() || n.Uint64() > math.MaxUint32 {
		return 0, rd.fail(what, at, errCompactOverflow)
	}
	return uint32(n.Uint64()), nil
}

// count reads a sequence length and checks that the input can hold that
// many elements of at least minSize bytes.
func (rd *reader) count(what string, minSize int) (uint32, error) {
	at := rd.offset()
	n, err := rd.compact(what)
	if err != nil {
		return 0, err
	}
	if int64(n)*int64(minSize) > int64(rd.remaining()) {
		return 0, rd.fail(what, at, ErrUnexpectedEOF)
	}
	return n, nil
}

func (rd *reader) string(what string) (string, error) {
	n, err := rd.count(what, 1)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if err := rd.dec.Read(b); err != nil {
		return "", rd.fail(what, rd.offset(), err)
	}
	return string(b), nil
}

func (rd *reader) value(what string) (Value, error) {
	at := rd.offset()
	var v Value
	if err := v.Decode(*rd.dec); err != nil {
		if rd.remaining() == 0 {
			err = errors.Join(ErrUnexpectedEOF, err)
		}
		return Value{}, rd.fail(what, at, err)
	}
	return v, nil
}

func (rd *reader) finish() error {
	if rd.remaining() != 0 {
		return rd.fail("input", rd.offset(), ErrTrailingBytes)
	}
	return nil
}

// EncodeValues encodes a sequence of values.
func EncodeValues(values []Value) []byte {
	return encode(func(e *scale.Encoder) error {
		if err := encodeCompact(e, len(values)); err != nil {
			return err
		}
		for _, v := range values {
			if err := v.Encode(*e); err != nil {
				return err
			}
		}
		return nil
	})
}

// DecodeValues decodes a sequence of values produced by EncodeValues.
func DecodeValues(b []byte) ([]Value, error) {
	rd := newReader(b)
	// Every value takes at least five bytes.
	n, err := rd.count("values", 5)
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := rd.value("value")
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rd.finish()
}

// ReturnValueMaxEncodedSize is the largest encoding of a ReturnValue.
const ReturnValueMaxEncodedSize = 10

// EncodeReturnValue encodes r.
func EncodeReturnValue(r ReturnValue) []byte {
	return encode(func(e *scale.Encoder) error { return r.Encode(*e) })
}

// DecodeReturnValue decodes a ReturnValue produced by EncodeReturnValue.
func DecodeReturnValue(b []byte) (ReturnValue, error) {
	rd := newReader(b)
	if rd.remaining() == 0 {
		return ReturnValue{}, rd.fail("return value", 0, ErrUnexpectedEOF)
	}
	var r ReturnValue
	if err := r.Decode(*rd.dec); err != nil {
		return ReturnValue{}, rd.fail("return value", 0, err)
	}
	return r, rd.finish()
}
