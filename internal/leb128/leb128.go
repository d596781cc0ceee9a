// Package leb128 decodes the variable-length integer encodings WASM's
// binary format uses throughout: unsigned for indices/counts, signed for
// immediates and block types.
package leb128

import "fmt"

// Uint32 decodes an unsigned LEB128 value from b starting at offset,
// returning the value and the number of bytes consumed.
func Uint32(b []byte, offset int) (uint32, int, error) {
	var result uint32
	var shift uint
	n := 0
	for {
		if offset+n >= len(b) {
			return 0, 0, fmt.Errorf("leb128: truncated varuint at offset %d", offset)
		}
		byte0 := b[offset+n]
		n++
		result |= uint32(byte0&0x7f) << shift
		if byte0&0x80 == 0 {
			return result, n, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, 0, fmt.Errorf("leb128: varuint32 overflow at offset %d", offset)
		}
	}
}

// Uint64 decodes an unsigned LEB128 value of up to 64 bits. The wasm
// decoder does not call it: data segment offsets are i32.const expressions
// read with Int32.
func Uint64(b []byte, offset int) (uint64, int, error) {
	var result uint64
	var shift uint
	n := 0
	for {
		if offset+n >= len(b) {
			return 0, 0, fmt.Errorf("leb128: truncated varuint at offset %d", offset)
		}
		byte0 := b[offset+n]
		n++
		result |= uint64(byte0&0x7f) << shift
		if byte0&0x80 == 0 {
			return result, n, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, 0, fmt.Errorf("leb128: varuint64 overflow at offset %d", offset)
		}
	}
}

// Int32 decodes a signed LEB128 value (used for i32.const and block types).
func Int32(b []byte, offset int) (int32, int, error) {
	var result int64
	var shift uint
	n := 0
	var byte0 byte
	for {
		if offset+n >= len(b) {
			return 0, 0, fmt.Errorf("leb128: truncated varint at offset %d", offset)
		}
		byte0 = b[offset+n]
		n++
		result |= int64(byte0&0x7f) << shift
		shift += 7
		if byte0&0x80 == 0 {
			break
		}
		if shift >= 35 {
			return 0, 0, fmt.Errorf("leb128: varint32 overflow at offset %d", offset)
		}
	}
	if shift < 32 && byte0&0x40 != 0 {
		result |= -1 << shift
	}
	return int32(result), n, nil
}

// Int64 decodes a 64-bit signed LEB128 value.
func Int64(b []byte, offset int) (int64, int, error) {
	var result int64
	var shift uint
	n := 0
	var byte0 byte
	for {
		if offset+n >= len(b) {
			return 0, 0, fmt.Errorf("leb128: truncated varint at offset %d", offset)
		}
		byte0 = b[offset+n]
		n++
		result |= int64(byte0&0x7f) << shift
		shift += 7
		if byte0&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, 0, fmt.Errorf("leb128: varint64 overflow at offset %d", offset)
		}
	}
	if shift < 64 && byte0&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n, nil
}
