// Package frame contains data structures and related functions for
// parsing and searching through DWARF .debug_frame and .eh_frame data.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/go-pstack/pstack/pkg/dwarf/leb128"
	"github.com/go-pstack/pstack/pkg/dwarf/util"
)

type parseContext struct {
	data       []byte
	staticBase uint64
	ptrSize    int

	// ehFrameAddr is the address at which the .eh_frame section is
	// mapped in memory. Zero means the data is a .debug_frame section,
	// which uses absolute CIE pointers and no pointer encodings.
	ehFrameAddr uint64

	cies    map[uint64]*CommonInformationEntry
	entries FrameDescriptionEntries
	logf    func(string, ...interface{})
}

// Parse takes the contents of a .debug_frame or .eh_frame section and
// returns the FrameDescriptionEntries contained in it. Each
// FrameDescriptionEntry carries a pointer to its
// CommonInformationEntry.
//
// The two entry kinds are distinguished by the id field following the
// length: a CIE is marked by 0xffffffff in .debug_frame and by 0 in
// .eh_frame. In .eh_frame the FDE's CIE pointer is relative: the CIE
// starts at the id field's section offset minus the id value.
//
// Construction runs in two passes: the first indexes every CIE by its
// section offset, the second builds the FDEs. An FDE whose CIE pointer
// resolves to nothing is logged and skipped, it does not abort the
// other entries.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64, logf func(string, ...interface{})) (FrameDescriptionEntries, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	ctx := &parseContext{
		data:        data,
		staticBase:  staticBase,
		ptrSize:     ptrSize,
		ehFrameAddr: ehFrameAddr,
		cies:        map[uint64]*CommonInformationEntry{},
		entries:     newFrameIndex(),
		logf:        logf,
	}

	if err := ctx.scan(true); err != nil {
		return nil, err
	}
	if err := ctx.scan(false); err != nil {
		return nil, err
	}

	for i := range ctx.entries {
		ctx.entries[i].order = order
	}
	sortEntries(ctx.entries)

	return ctx.entries, nil
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

func (ctx *parseContext) cieEntry(id uint64, dwarf64 bool) bool {
	if ctx.parsingEHFrame() {
		return id == 0
	}
	if dwarf64 {
		return id == ^uint64(0)
	}
	return id == 0xffffffff
}

// scan walks every entry in the section. On the first pass (cies)
// only CIEs are decoded; on the second only FDEs.
func (ctx *parseContext) scan(ciePass bool) error {
	buf := bytes.NewBuffer(ctx.data)
	for buf.Len() > 0 {
		start := uint64(len(ctx.data) - buf.Len())

		length, dwarf64, err := util.ReadLength(buf)
		if err != nil {
			return err
		}
		if length == 0 {
			// zero terminator, or a reserved length value
			break
		}

		idSize := 4
		if dwarf64 {
			idSize = 8
		}
		idFieldOff := uint64(len(ctx.data) - buf.Len())
		if uint64(buf.Len()) < length || length < uint64(idSize) {
			return fmt.Errorf("entry at %#x overflows the section", start)
		}
		body := buf.Next(int(length))

		id, err := util.ReadUintRaw(bytes.NewReader(body[:idSize]), binary.LittleEndian, idSize)
		if err != nil {
			return err
		}

		if ctx.cieEntry(id, dwarf64) {
			if !ciePass {
				continue
			}
			cie, err := ctx.parseCIE(length, body[idSize:], idFieldOff+uint64(idSize))
			if err != nil {
				return err
			}
			ctx.cies[start] = cie
		} else {
			if ciePass {
				continue
			}
			var cieOff uint64
			if ctx.parsingEHFrame() {
				cieOff = idFieldOff - id
			} else {
				cieOff = id
			}
			cie := ctx.cies[cieOff]
			if cie == nil {
				// A CIE pointer that escapes the section, usually the
				// wake of an augmentation we could not interpret.
				// Drop this FDE and keep going.
				ctx.logf("unknown CIE_id %#x for FDE at %#x", cieOff, start)
				continue
			}
			if err := ctx.parseFDE(length, body[idSize:], idFieldOff+uint64(idSize), cie); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ctx *parseContext) parseCIE(length uint64, body []byte, bodyOff uint64) (*CommonInformationEntry, error) {
	common := &CommonInformationEntry{Length: length, staticBase: ctx.staticBase}
	buf := bytes.NewBuffer(body)

	var err error
	if common.Version, err = buf.ReadByte(); err != nil {
		return nil, err
	}

	if common.Augmentation, err = util.ParseString(buf); err != nil {
		return nil, err
	}

	if ctx.parsingEHFrame() {
		if common.Augmentation == "eh" {
			return nil, fmt.Errorf("unsupported 'eh' augmentation at %#x", bodyOff)
		}
		if len(common.Augmentation) > 0 && common.Augmentation[0] != 'z' {
			return nil, fmt.Errorf("unsupported augmentation at %#x (does not start with 'z')", bodyOff)
		}
	}

	common.CodeAlignmentFactor, _ = leb128.DecodeUnsigned(buf)
	common.DataAlignmentFactor, _ = leb128.DecodeSigned(buf)

	if ctx.parsingEHFrame() && common.Version == 1 {
		b, _ := buf.ReadByte()
		common.ReturnAddressRegister = uint64(b)
	} else {
		common.ReturnAddressRegister, _ = leb128.DecodeUnsigned(buf)
	}

	common.ptrEncAddr = ptrEncAbs

	if len(common.Augmentation) > 0 && common.Augmentation[0] == 'z' {
		augSize, _ := leb128.DecodeUnsigned(buf)
		augEnd := buf.Len() - int(augSize)

	augloop:
		for i := 1; i < len(common.Augmentation); i++ {
			switch common.Augmentation[i] {
			case 'L':
				common.LSDAEncoding, _ = buf.ReadByte()
			case 'P':
				b, _ := buf.ReadByte()
				e := ptrEnc(b) &^ ptrEncIndirect
				if !e.Supported() {
					return nil, &UnsupportedEncodingError{Encoding: b, Offset: int(bodyOff)}
				}
				common.Personality = ctx.readEncodedPtr(0, bytes.NewReader(buf.Bytes()), e)
				ctx.skipEncodedPtr(buf, e)
			case 'R':
				b, _ := buf.ReadByte()
				common.ptrEncAddr = ptrEnc(b)
				if !common.ptrEncAddr.Supported() {
					return nil, &UnsupportedEncodingError{Encoding: b, Offset: int(bodyOff)}
				}
			case 'S':
				common.IsSignalHandler = true
			default:
				// The augmentation characters describe the payload in
				// order: one we cannot interpret makes the rest of the
				// block opaque. Skip to the end of the data.
				ctx.logf("unknown augmentation character %q in %q", common.Augmentation[i], common.Augmentation)
				break augloop
			}
		}
		if buf.Len() > augEnd {
			buf.Next(buf.Len() - augEnd)
		}
	}

	common.InitialInstructions = buf.Bytes()
	return common, nil
}

func (ctx *parseContext) parseFDE(length uint64, body []byte, bodyOff uint64, cie *CommonInformationEntry) error {
	frame := &FrameDescriptionEntry{Length: length, CIE: cie}
	reader := bytes.NewReader(body)

	frame.begin = ctx.readEncodedPtr(ctx.ehFrameAddr+bodyOff, reader, cie.ptrEncAddr) + ctx.staticBase

	// For the size field only the low nibble of the address encoding
	// applies: a range is never relocated.
	frame.size = ctx.readEncodedPtr(0, reader, cie.ptrEncAddr&0x0f)

	if ctx.parsingEHFrame() && len(cie.Augmentation) > 0 {
		n, _ := leb128.DecodeUnsigned(reader)
		frame.AugData = make([]byte, n)
		if _, err := io.ReadFull(reader, frame.AugData); err != nil {
			return fmt.Errorf("FDE augmentation data at %#x: %v", bodyOff, err)
		}
	}

	off, _ := reader.Seek(0, io.SeekCurrent)
	frame.Instructions = body[off:]

	ctx.entries = append(ctx.entries, frame)
	return nil
}

// readEncodedPtr reads a pointer from buf encoded as specified by
// ptrEnc. addr is the address the current byte of buf will be mapped
// to in memory; it only matters for pc-relative values.
func (ctx *parseContext) readEncodedPtr(addr uint64, buf leb128.Reader, ptrEnc ptrEnc) uint64 {
	if ptrEnc == ptrEncOmit {
		return 0
	}

	var ptr uint64

	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr, _ = util.ReadUintRaw(buf, binary.LittleEndian, ctx.ptrSize)
	case ptrEncUleb:
		ptr, _ = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr, _ = util.ReadUintRaw(buf, binary.LittleEndian, 2)
	case ptrEncSdata2:
		ptr, _ = util.ReadUintRaw(buf, binary.LittleEndian, 2)
		ptr = uint64(int16(ptr))
	case ptrEncUdata4:
		ptr, _ = util.ReadUintRaw(buf, binary.LittleEndian, 4)
	case ptrEncSdata4:
		ptr, _ = util.ReadUintRaw(buf, binary.LittleEndian, 4)
		ptr = uint64(int32(ptr))
	case ptrEncUdata8, ptrEncSdata8:
		ptr, _ = util.ReadUintRaw(buf, binary.LittleEndian, 8)
	case ptrEncSleb:
		n, _ := leb128.DecodeSigned(buf)
		ptr = uint64(n)
	}

	if ptrEnc&0xf0 == ptrEncPCRel {
		ptr += addr
	}

	return ptr
}

func (ctx *parseContext) skipEncodedPtr(buf *bytes.Buffer, ptrEnc ptrEnc) {
	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		buf.Next(ctx.ptrSize)
	case ptrEncUleb:
		leb128.DecodeUnsigned(buf)
	case ptrEncSleb:
		leb128.DecodeSigned(buf)
	case ptrEncUdata2, ptrEncSdata2:
		buf.Next(2)
	case ptrEncUdata4, ptrEncSdata4:
		buf.Next(4)
	case ptrEncUdata8, ptrEncSdata8:
		buf.Next(8)
	}
}

func sortEntries(entries FrameDescriptionEntries) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Begin() < entries[j].Begin()
	})
}

// DwarfEndian determines the endianness of the DWARF by using the
// version number field in the debug_info section.
// Trick borrowed from "debug/dwarf".New()
func DwarfEndian(infoSec []byte) binary.ByteOrder {
	if len(infoSec) < 6 {
		return binary.BigEndian
	}
	x, y := infoSec[4], infoSec[5]
	switch {
	case x == 0 && y == 0:
		return binary.BigEndian
	case x == 0:
		return binary.BigEndian
	case y == 0:
		return binary.LittleEndian
	default:
		return binary.BigEndian
	}
}
