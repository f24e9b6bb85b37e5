package zcl

import (
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeFloat16    uint8 = 0x38
	TypeFloat32    uint8 = 0x39
	TypeFloat64    uint8 = 0x3A
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeArray      uint8 = 0x48
	TypeStruct     uint8 = 0x4C
	TypeToD        uint8 = 0xE0 // Time of Day
	TypeDate       uint8 = 0xE1
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
	TypeKey128     uint8 = 0xF1
)

var typeInfo = map[uint8]struct {
	name string
	size int // -1 for length-prefixed or unsupported types
}{
	TypeNoData:     {"nodata", 0},
	TypeBool:       {"bool", 1},
	TypeBitmap8:    {"map8", 1},
	TypeBitmap16:   {"map16", 2},
	TypeBitmap24:   {"map24", 3},
	TypeBitmap32:   {"map32", 4},
	TypeUint8:      {"uint8", 1},
	TypeUint16:     {"uint16", 2},
	TypeUint24:     {"uint24", 3},
	TypeUint32:     {"uint32", 4},
	TypeUint40:     {"uint40", 5},
	TypeUint48:     {"uint48", 6},
	TypeInt8:       {"int8", 1},
	TypeInt16:      {"int16", 2},
	TypeInt24:      {"int24", 3},
	TypeInt32:      {"int32", 4},
	TypeEnum8:      {"enum8", 1},
	TypeEnum16:     {"enum16", 2},
	TypeFloat16:    {"float16", 2},
	TypeFloat32:    {"float32", 4},
	TypeFloat64:    {"float64", 8},
	TypeOctetStr:   {"octstr", -1},
	TypeCharStr:    {"string", -1},
	TypeOctetStr16: {"octstr16", -1},
	TypeCharStr16:  {"string16", -1},
	TypeArray:      {"array", -1},
	TypeStruct:     {"struct", -1},
	TypeToD:        {"ToD", 4},
	TypeDate:       {"date", 4},
	TypeUTC:        {"UTC", 4},
	TypeClusterID:  {"clusterId", 2},
	TypeAttrID:     {"attribId", 2},
	TypeEUI64:      {"EUI64", 8},
	TypeKey128:     {"key128", 16},
}

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for
// variable-length and unknown types.
func TypeSize(typeID uint8) int {
	if ti, ok := typeInfo[typeID]; ok {
		return ti.size
	}
	return -1
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	if ti, ok := typeInfo[typeID]; ok {
		return ti.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// ReadValue decodes one typed value. Errors are recorded on the reader.
func ReadValue(r *Reader, typeID uint8) any {
	switch typeID {
	case TypeNoData:
		return nil
	case TypeBool:
		return r.Uint8() != 0
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return r.Uint8()
	case TypeUint16, TypeEnum16, TypeBitmap16, TypeClusterID, TypeAttrID, TypeFloat16:
		return r.Uint16()
	case TypeUint24, TypeBitmap24:
		return r.Uint24()
	case TypeUint32, TypeBitmap32, TypeUTC, TypeToD, TypeDate:
		return r.Uint32()
	case TypeUint40, TypeUint48:
		return r.UintN(TypeSize(typeID))
	case TypeInt8:
		return int8(r.Uint8())
	case TypeInt16:
		return int16(r.Uint16())
	case TypeInt24:
		v := r.Uint24()
		if v&0x800000 != 0 {
			v |= 0xFF000000
		}
		return int32(v)
	case TypeInt32:
		return int32(r.Uint32())
	case TypeFloat32:
		return math.Float32frombits(r.Uint32())
	case TypeFloat64:
		return math.Float64frombits(r.Uint64())
	case TypeEUI64:
		return r.IEEE()
	case TypeKey128:
		return r.Bytes(16)
	case TypeOctetStr, TypeCharStr:
		n := r.Uint8()
		if n == 0xFF {
			return nil // invalid value marker
		}
		b := r.Bytes(int(n))
		if typeID == TypeCharStr {
			return string(b)
		}
		return b
	case TypeOctetStr16, TypeCharStr16:
		n := r.Uint16()
		if n == 0xFFFF {
			return nil
		}
		b := r.Bytes(int(n))
		if typeID == TypeCharStr16 {
			return string(b)
		}
		return b
	}
	r.Fail(fmt.Errorf("zcl: unsupported data type 0x%02X: %w", typeID, StatusInvalidDataType))
	return nil
}

// WriteValue encodes val as typeID. Range and conversion failures are
// reported as StatusInvalidValue.
func WriteValue(w *Writer, typeID uint8, val any) error {
	switch typeID {
	case TypeNoData:
		return nil
	case TypeBool:
		v, ok := toBool(val)
		if !ok {
			return convErr(val, typeID)
		}
		if v {
			w.Uint8(1)
		} else {
			w.Uint8(0)
		}
		return nil
	case TypeInt8, TypeInt16, TypeInt24, TypeInt32:
		size := TypeSize(typeID)
		v, ok := toInt64(val)
		if !ok {
			return convErr(val, typeID)
		}
		limit := int64(1) << (8*size - 1)
		if v < -limit || v >= limit {
			return fmt.Errorf("zcl: value %d overflows %s: %w", v, TypeName(typeID), StatusInvalidValue)
		}
		w.UintN(uint64(v), size)
		return nil
	case TypeFloat32:
		v, ok := toFloat64(val)
		if !ok {
			return convErr(val, typeID)
		}
		w.Uint32(math.Float32bits(float32(v)))
		return nil
	case TypeFloat64:
		v, ok := toFloat64(val)
		if !ok {
			return convErr(val, typeID)
		}
		w.Uint64(math.Float64bits(v))
		return nil
	case TypeEUI64:
		switch a := val.(type) {
		case IEEEAddr:
			w.IEEE(a)
		case [8]byte:
			w.IEEE(IEEEAddr(a))
		case nil:
			w.IEEE(IEEEAddr{})
		default:
			return convErr(val, typeID)
		}
		return nil
	case TypeKey128:
		b, ok := toBytes(val)
		if !ok || (b != nil && len(b) != 16) {
			return convErr(val, typeID)
		}
		if b == nil {
			b = make([]byte, 16)
		}
		w.Bytes(b)
		return nil
	case TypeOctetStr, TypeCharStr:
		b, ok := toBytes(val)
		if !ok {
			return convErr(val, typeID)
		}
		if len(b) > 254 {
			return fmt.Errorf("zcl: %d bytes too long for %s: %w", len(b), TypeName(typeID), StatusInvalidValue)
		}
		w.Uint8(uint8(len(b)))
		w.Bytes(b)
		return nil
	case TypeOctetStr16, TypeCharStr16:
		b, ok := toBytes(val)
		if !ok {
			return convErr(val, typeID)
		}
		if len(b) > 65534 {
			return fmt.Errorf("zcl: %d bytes too long for %s: %w", len(b), TypeName(typeID), StatusInvalidValue)
		}
		w.Uint16(uint16(len(b)))
		w.Bytes(b)
		return nil
	}

	size := TypeSize(typeID)
	if size <= 0 {
		return fmt.Errorf("zcl: encode not implemented for type 0x%02X: %w", typeID, StatusInvalidDataType)
	}
	v, ok := toUint64(val)
	if !ok {
		return convErr(val, typeID)
	}
	if size < 8 && v >= uint64(1)<<(8*size) {
		return fmt.Errorf("zcl: value %d overflows %s: %w", v, TypeName(typeID), StatusInvalidValue)
	}
	w.UintN(v, size)
	return nil
}

// DecodeValue decodes a typed value from raw bytes, returning the value and
// the number of bytes consumed.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	r := NewReader(data)
	v := ReadValue(r, typeID)
	if err := r.Err(); err != nil {
		return nil, 0, err
	}
	return v, r.Offset(), nil
}

// EncodeValue encodes a Go value into ZCL wire format.
func EncodeValue(typeID uint8, val any) ([]byte, error) {
	m := Writer{measure: true}
	if err := WriteValue(&m, typeID, val); err != nil {
		return nil, err
	}
	buf := make([]byte, m.Len())
	w := Writer{buf: buf}
	_ = WriteValue(&w, typeID, val)
	return buf, nil
}

func convErr(val any, typeID uint8) error {
	return fmt.Errorf("zcl: cannot convert %T to %s: %w", val, TypeName(typeID), StatusInvalidValue)
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case nil:
		return false, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	}
	return false, false
}

func toBytes(v any) ([]byte, bool) {
	switch val := v.(type) {
	case []byte:
		return val, true
	case string:
		return []byte(val), true
	case nil:
		return nil, true
	}
	return nil, false
}

func toUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, true
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case uint:
		return uint64(val), true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		if val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}
