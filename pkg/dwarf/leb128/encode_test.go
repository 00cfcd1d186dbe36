package leb128

import (
	"bytes"
	"testing"
)

func TestRoundTripUnsigned(t *testing.T) {
	tc := []uint64{0x00, 0x7f, 0x80, 0x8f, 0xffff, 0xfffffff7, 0x7fffffffffffffff, 0xffffffffffffffff}
	for i := range tc {
		var buf bytes.Buffer
		EncodeUnsigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c := DecodeUnsigned(&buf)
		t.Logf("input %x output %x encoded %x", tc[i], out, enc)
		if c != uint32(len(enc)) {
			t.Errorf("wrong encode")
		}
		if out != tc[i] {
			t.Errorf("expected: %x got: %x", tc[i], out)
		}
	}
}

func TestRoundTripSigned(t *testing.T) {
	tc := []int64{2, -2, 127, -127, 128, -128, 129, -129, -100000, 100000, 2147483647, -2147483648, 9223372036854775807, -9223372036854775808}
	for i := range tc {
		var buf bytes.Buffer
		EncodeSigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c := DecodeSigned(&buf)
		t.Logf("input %x output %x encoded %x", tc[i], out, enc)
		if c != uint32(len(enc)) {
			t.Errorf("wrong encode")
		}
		if out != tc[i] {
			t.Errorf("expected: %x got: %x", tc[i], out)
		}
	}
}
