package util

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ParseString reads a NUL terminated string from data. The
// terminator is consumed but not part of the returned string.
func ParseString(data *bytes.Buffer) (string, error) {
	str, err := data.ReadString(0x0)
	if err != nil {
		return "", err
	}

	return str[:len(str)-1], nil
}

// ReadUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func ReadUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("pointer size %d not supported", ptrSize)
}

// WriteUint writes an integer of ptrSize bytes to writer, in the specified byte order.
func WriteUint(writer io.Writer, order binary.ByteOrder, ptrSize int, data uint64) error {
	switch ptrSize {
	case 4:
		return binary.Write(writer, order, uint32(data))
	case 8:
		return binary.Write(writer, order, data)
	}
	return fmt.Errorf("pointer size %d not supported", ptrSize)
}

// ReadLength reads an initial length field as used by .debug_info,
// .debug_aranges, .debug_frame and friends. A value of 0xffffffff
// introduces a 64-bit length in the following eight bytes; the
// reserved values 0xfffffff0 through 0xfffffffe terminate the
// enclosing enumeration, reported by returning length 0.
func ReadLength(data *bytes.Buffer) (length uint64, dwarf64 bool, err error) {
	var initial uint32
	if err := binary.Read(data, binary.LittleEndian, &initial); err != nil {
		return 0, false, err
	}
	if initial < 0xfffffff0 {
		return uint64(initial), false, nil
	}
	if initial == 0xffffffff {
		var length uint64
		if err := binary.Read(data, binary.LittleEndian, &length); err != nil {
			return 0, true, err
		}
		return length, true, nil
	}
	// Reserved: stop the containing enumeration.
	return 0, false, nil
}
