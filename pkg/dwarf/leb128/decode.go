package leb128

import (
	"io"
)

// Reader is a io.ByteReader with a Len method. This interface is
// satisfied by both bytes.Buffer and bytes.Reader.
type Reader interface {
	io.ByteReader
	io.Reader
	Len() int
}

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number.
func DecodeUnsigned(buf Reader) (uint64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err := buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= uint64((uint(b) & 0x7f) << shift)

		// A clear high order bit marks the last byte.
		if b&0x80 == 0 {
			break
		}

		shift += 7
	}

	return result, length
}

// DecodeSigned decodes a signed Little Endian Base 128
// represented number.
func DecodeSigned(buf Reader) (int64, uint32) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err = buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= (int64(b) & 0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if (shift < 8*uint64(length)) && (b&0x40 > 0) {
		result |= -(1 << shift)
	}

	return result, length
}

// DecodeUnsignedWithShift decodes an unsigned LEB128 number and also
// reports the total shift after the last payload byte and whether the
// sign bit of that byte was set. DWARF v2 encodes some fields as plain
// "LEB128" without stating signedness; callers use the extra
// information to sign-extend after the fact.
func DecodeUnsignedWithShift(buf Reader) (result uint64, shift uint64, sign bool, length uint32) {
	if buf.Len() == 0 {
		return 0, 0, false, 0
	}

	var b byte
	var err error
	for {
		b, err = buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= uint64((uint(b) & 0x7f) << shift)
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	return result, shift, b&0x40 != 0, length
}
