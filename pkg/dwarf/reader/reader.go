// Package reader implements typed random access reads over an
// abstract byte source. It is the lowest layer of the DWARF and ELF
// decoders: every field of every binary structure is pulled through a
// Reader, and sub-readers confine a decoder to the byte range of the
// record it is working on.
package reader

// A Reader decodes little-endian scalar values from a window
// [offset, limit) of a ByteSource. Reads never cross the limit; a
// decoder handed a sub-reader cannot spill into a sibling record.
type Reader struct {
	src   ByteSource
	off   uint64
	limit uint64

	// AddrSize is the size in bytes of a target address. Compilation
	// unit and frame decoders adjust it as they learn it from headers.
	AddrSize int
}

// New returns a Reader over src covering [off, off+size).
func New(src ByteSource, off, size uint64) *Reader {
	return &Reader{src: src, off: off, limit: off + size, AddrSize: 8}
}

// SubReader returns a new Reader over the same source restricted to
// [off, off+size). Offsets are absolute within the source.
func (r *Reader) SubReader(off, size uint64) *Reader {
	return &Reader{src: r.src, off: off, limit: off + size, AddrSize: r.AddrSize}
}

func (r *Reader) Source() ByteSource { return r.src }
func (r *Reader) Offset() uint64     { return r.off }
func (r *Reader) Limit() uint64      { return r.limit }
func (r *Reader) AtEnd() bool        { return r.off >= r.limit }

func (r *Reader) SetOffset(off uint64) { r.off = off }

func (r *Reader) Skip(n uint64) { r.off += n }

// read returns the next n bytes, advancing the reader. Reads beyond
// the limit fail with ShortReadError.
func (r *Reader) read(n int) ([]byte, error) {
	if r.off+uint64(n) > r.limit {
		return nil, &ShortReadError{Source: r.src.Name(), Offset: r.off, Want: n}
	}
	buf := make([]byte, n)
	if got, _ := r.src.ReadAt(buf, int64(r.off)); got < n {
		return nil, &ShortReadError{Source: r.src.Name(), Offset: r.off, Want: n}
	}
	r.off += uint64(n)
	return buf, nil
}

// Bytes returns the next n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.read(n)
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Int8() (int8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Uint reads an unsigned little-endian integer of n bytes,
// n ∈ {1, 2, 4, 8, 16}. Values wider than 8 bytes must fit a uint64.
func (r *Reader) Uint(n int) (uint64, error) {
	if n > 16 {
		return 0, &FormatError{Source: r.src.Name(), Offset: r.off, Msg: "integer too wide"}
	}
	b, err := r.read(n)
	if err != nil {
		return 0, err
	}
	var rc uint64
	for i := n - 1; i >= 0; i-- {
		rc = rc<<8 | uint64(b[i])
	}
	return rc, nil
}

// Int reads a signed little-endian integer of n bytes, sign extended
// from the top bit of the last byte.
func (r *Reader) Int(n int) (int64, error) {
	if n > 16 {
		return 0, &FormatError{Source: r.src.Name(), Offset: r.off, Msg: "integer too wide"}
	}
	b, err := r.read(n)
	if err != nil {
		return 0, err
	}
	var rc int64
	if b[n-1]&0x80 != 0 {
		rc = -1
	}
	for i := n - 1; i >= 0; i-- {
		rc = rc<<8 | int64(b[i])
	}
	return rc, nil
}

// Uleb128 decodes an unsigned LEB128 value.
func (r *Reader) Uleb128() (uint64, error) {
	v, _, _, err := r.Uleb128Shift()
	return v, err
}

// Uleb128Shift decodes an unsigned LEB128 value, additionally
// reporting the total shift and the sign bit of the last payload
// byte. The extra results let Sleb128 (and DWARF v2 consumers that
// cannot know signedness up front) sign-extend the result.
func (r *Reader) Uleb128Shift() (result uint64, shift uint64, sign bool, err error) {
	var b uint8
	for {
		b, err = r.Uint8()
		if err != nil {
			return 0, 0, false, err
		}
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	return result, shift, b&0x40 != 0, nil
}

// Sleb128 decodes a signed LEB128 value.
func (r *Reader) Sleb128() (int64, error) {
	v, shift, sign, err := r.Uleb128Shift()
	if err != nil {
		return 0, err
	}
	result := int64(v)
	if shift < 64 && sign {
		result |= -(int64(1) << shift)
	}
	return result, nil
}

// ReadString reads a NUL terminated string. A run that reaches the
// reader's limit without a terminator is an error.
func (r *Reader) ReadString() (string, error) {
	res := make([]byte, 0, 16)
	for {
		b, err := r.Uint8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(res), nil
		}
		res = append(res, b)
	}
}

// Length reads an initial length field. The sentinel 0xffffffff
// introduces an 8-byte 64-bit DWARF length; the reserved values
// 0xfffffff0 through 0xfffffffe terminate the containing enumeration
// and are reported as a zero length.
func (r *Reader) Length() (length uint64, dwarf64 bool, err error) {
	initial, err := r.Uint32()
	if err != nil {
		return 0, false, err
	}
	if initial < 0xfffffff0 {
		return uint64(initial), false, nil
	}
	if initial == 0xffffffff {
		length, err = r.Uint(8)
		return length, true, err
	}
	return 0, false, nil
}
