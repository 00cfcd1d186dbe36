package proc

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryReader reads the target's address space: a live process, a
// core file or a test fake.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// ErrMemoryRead reports an unreadable address range.
type ErrMemoryRead struct {
	Addr uint64
	Size int
}

func (err *ErrMemoryRead) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x", err.Size, err.Addr)
}

const (
	cachePageSize  = 4096
	cachePageCount = 16
)

// cacheMemory wraps a slow MemoryReader (ptrace peeks, core file
// seeks) with a small LRU page cache. One unwind session owns the
// cache; it is not safe for concurrent use.
type cacheMemory struct {
	mem   MemoryReader
	pages *lru.Cache
}

func newCacheMemory(mem MemoryReader) *cacheMemory {
	pages, _ := lru.New(cachePageCount)
	return &cacheMemory{mem: mem, pages: pages}
}

func (c *cacheMemory) page(pageAddr uint64) ([]byte, error) {
	if cached, ok := c.pages.Get(pageAddr); ok {
		return cached.([]byte), nil
	}
	page := make([]byte, cachePageSize)
	n, err := c.mem.ReadMemory(page, pageAddr)
	if n == 0 && err != nil {
		return nil, err
	}
	c.pages.Add(pageAddr, page[:n])
	return page[:n], nil
}

func (c *cacheMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	total := 0
	for total < len(buf) {
		cur := addr + uint64(total)
		pageAddr := cur &^ (cachePageSize - 1)
		page, err := c.page(pageAddr)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		off := int(cur - pageAddr)
		if off >= len(page) {
			return total, &ErrMemoryRead{Addr: cur, Size: len(buf) - total}
		}
		total += copy(buf[total:], page[off:])
	}
	return total, nil
}

// readUintRaw reads one pointer sized word of target memory.
func readUintRaw(mem MemoryReader, addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if n, err := mem.ReadMemory(buf, addr); n < len(buf) {
		if err == nil {
			err = &ErrMemoryRead{Addr: addr, Size: len(buf)}
		}
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// readString reads a NUL terminated string from target memory.
func readString(mem MemoryReader, addr uint64) (string, error) {
	var out []byte
	buf := make([]byte, 64)
	for len(out) < 4096 {
		n, err := mem.ReadMemory(buf, addr+uint64(len(out)))
		if n == 0 {
			return string(out), err
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf[:n]...)
	}
	return string(out), nil
}
