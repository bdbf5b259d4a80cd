package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// HeaderSize is the fixed size of the AFD_WORD_OFFSET header that precedes
// every area's element array: element count (int32), a one-byte STALE
// flag, a one-byte version, and two bytes of padding so elements that
// follow stay naturally aligned.
const HeaderSize = 8

const (
	staleNo  byte = 0
	staleYes byte = 1
)

// Arena is a typed handle onto one memory-mapped, file-backed shared area.
// One Arena value exists per attaching process; it is never shared between
// goroutines without external synchronisation of the Go-level struct
// itself (the mmap contents are already protected by RegionLocks).
type Arena struct {
	mu       sync.Mutex
	path     string
	elemSize int
	file     *os.File
	data     []byte // mmap'd bytes, header + elements
	creator  bool
}

// Create sizes and zeroes a new area for `count` elements of `elemSize`
// bytes apiece, matching "the creator sizes and zeroes them". Creating an area that already exists truncates and re-zeroes
// it; callers (AMG-equivalent test fixtures in this module) are expected
// to call Create exactly once per area lifetime.
func Create(path string, elemSize, count int) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	a := &Arena{path: path, elemSize: elemSize, file: f, creator: true}
	size := int64(HeaderSize + elemSize*count)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	if err := a.mmap(size); err != nil {
		f.Close()
		return nil, err
	}
	a.setCount(count)
	a.data[4] = staleNo
	a.data[5] = 1 // version
	return a, nil
}

// Attach opens an existing area read-write and maps it in two steps:
// map the header first to learn the element count, then
// remap to the full size implied by that count.
func Attach(path string, elemSize int) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}
	a := &Arena{path: path, elemSize: elemSize, file: f}
	if err := a.mmap(HeaderSize); err != nil {
		f.Close()
		return nil, err
	}
	count := a.Count()
	full := int64(HeaderSize + elemSize*count)
	if err := a.remap(full); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func (a *Arena) mmap(size int64) error {
	data, err := unix.Mmap(int(a.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: mmap %s: %w", a.path, err)
	}
	a.data = data
	return nil
}

func (a *Arena) remap(size int64) error {
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			return fmt.Errorf("shm: munmap %s: %w", a.path, err)
		}
		a.data = nil
	}
	return a.mmap(size)
}

// Fd returns the underlying file descriptor, for constructing RegionLocks.
func (a *Arena) Fd() int { return int(a.file.Fd()) }

// ElemSize returns the fixed per-element size this arena was opened with.
func (a *Arena) ElemSize() int { return a.elemSize }

// Count returns the current element count from the header.
func (a *Arena) Count() int {
	return int(int32(binary.LittleEndian.Uint32(a.data[0:4])))
}

func (a *Arena) setCount(n int) {
	binary.LittleEndian.PutUint32(a.data[0:4], uint32(int32(n)))
}

// Stale reports whether this attacher's mapping is out of date: the
// producer has marked the header STALE (a resize is in progress), or the
// header's element count has grown past what this mapping covers (a
// resize is complete).
func (a *Arena) Stale() bool {
	return a.data[4] == staleYes || len(a.data) < HeaderSize+a.elemSize*a.Count()
}

// Element returns a slice over element i's raw bytes. Callers must hold an
// appropriate RegionLock (built via NewFieldLock) before reading or writing
// through it, except for fields the caller has decided to tolerate torn
// reads on.
func (a *Arena) Element(i int) []byte {
	start := HeaderSize + i*a.elemSize
	return a.data[start : start+a.elemSize]
}

// Grow extends the area by addCount elements, preserving existing content.
// The header is marked STALE while the resize runs and cleared once this
// process has remapped; other attachers still mapping the old size then
// see Stale() through the larger element count, and unmap and re-attach.
func (a *Arena) Grow(addCount int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	hl := NewHeaderLock(a.Fd(), HeaderSize, true)
	if err := hl.Lock(); err != nil {
		return err
	}
	defer hl.Unlock()

	oldCount := a.Count()
	newCount := oldCount + addCount
	newSize := int64(HeaderSize + a.elemSize*newCount)

	// Mark stale before resizing so readers racing the resize notice.
	a.data[4] = staleYes

	if err := a.file.Truncate(newSize); err != nil {
		return fmt.Errorf("shm: grow truncate %s: %w", a.path, err)
	}
	if err := a.remap(newSize); err != nil {
		return err
	}
	a.setCount(newCount)
	a.data[4] = staleNo
	return nil
}

// Reattach unmaps and remaps an area whose header was observed STALE,
// re-reading the (possibly new) element count.
func (a *Arena) Reattach() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.remap(HeaderSize); err != nil {
		return err
	}
	count := a.Count()
	return a.remap(int64(HeaderSize + a.elemSize*count))
}

// Detach unmaps the area and closes the backing file descriptor. Workers
// must not keep references to borrowed pointers past this call.
func (a *Arena) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			return err
		}
		a.data = nil
	}
	return a.file.Close()
}
