// Package pbwire wraps protowire with the handful of field helpers needed to
// encode and decode the fixed external schemas (android checkin, MCS) by hand.
package pbwire

import (
	"fmt"

	"github.com/and161185/fcm-listener/internal/errs"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field is a single decoded field. Only the value matching Type is populated.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Value uint64 // varint, fixed32 or fixed64 payload
	Bytes []byte // length-delimited payload, aliases the input
}

// Walk decodes b field by field and calls fn for each one. Groups are skipped.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", errs.ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Value, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Value = uint64(v)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errs.ErrProtocol, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) want(t protowire.Type) error {
	if f.Type != t {
		return fmt.Errorf("%w: field %d: wire type %d, want %d", errs.ErrProtocol, f.Num, f.Type, t)
	}
	return nil
}

// Text returns a string field.
func (f Field) Text() (string, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.Bytes), nil
}

// Message returns the payload of an embedded message field without copying.
func (f Field) Message() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	return f.Bytes, nil
}

// Raw returns a copy of a bytes field.
func (f Field) Raw() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.Bytes...), nil
}

// Int64 returns an int64 (or enum) varint field.
func (f Field) Int64() (int64, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return int64(f.Value), nil
}

// Int32 returns an int32 varint field.
func (f Field) Int32() (int32, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return int32(f.Value), nil
}

// Bool returns a bool varint field.
func (f Field) Bool() (bool, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return false, err
	}
	return protowire.DecodeBool(f.Value), nil
}

// Fixed64 returns a fixed64 field.
func (f Field) Fixed64() (uint64, error) {
	if err := f.want(protowire.Fixed64Type); err != nil {
		return 0, err
	}
	return f.Value, nil
}

// AppendString appends a length-delimited string field.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field (also used for embedded messages).
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendInt64 appends an int64 varint field. int32 values are passed sign-extended.
func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// AppendBool appends a bool varint field.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// AppendFixed64 appends a fixed64 field.
func AppendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}
