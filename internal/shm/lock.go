// Package shm implements the "arena + index" shared-state pattern used by
// FSA, FRA, JID, DNB, MDB, QB and MSA: a single memory-mapped, file-backed
// region per area, attached read-write by every cooperating process, with
// fine-grained advisory byte-range locks guarding each hot field instead of
// one global mutex.
//
// Each process holds a typed handle onto the mapped file; locks are keyed
// by (field, element index) rather than a raw byte offset computed by
// hand at every call site.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RegionLock is an advisory POSIX byte-range lock on a slice of an area's
// backing file. It is not reentrant: callers hold it for the shortest
// span that mutates the field it protects.
type RegionLock struct {
	fd     int
	offset int64
	length int64
	write  bool
}

// NewFieldLock builds the lock descriptor for one field of one element.
// elemSize is the fixed size of one array element; fieldOffset/fieldSize
// locate the field within the element; headerSize is the area's header
// size that precedes element 0.
func NewFieldLock(fd int, headerSize int64, elemSize int64, index int, fieldOffset, fieldSize int64, write bool) *RegionLock {
	off := headerSize + int64(index)*elemSize + fieldOffset
	return &RegionLock{fd: fd, offset: off, length: fieldSize, write: write}
}

// NewHeaderLock locks the area's header (offset 0), used during
// structural resize and by the Reconciler's JID repair sweep.
func NewHeaderLock(fd int, headerSize int64, write bool) *RegionLock {
	return &RegionLock{fd: fd, offset: 0, length: headerSize, write: write}
}

// NewWholeFileLock locks the whole file (length 0 means "to EOF" under
// fcntl), used around in-place message-file rewrites.
func NewWholeFileLock(fd int, write bool) *RegionLock {
	return &RegionLock{fd: fd, offset: 0, length: 0, write: write}
}

func (l *RegionLock) flockType() int16 {
	if l.write {
		return unix.F_WRLCK
	}
	return unix.F_RDLCK
}

// Lock blocks until the byte-range lock is acquired.
func (l *RegionLock) Lock() error {
	fl := unix.Flock_t{
		Type:   l.flockType(),
		Whence: int16(os.SEEK_SET),
		Start:  l.offset,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(uintptr(l.fd), unix.F_SETLKW, &fl); err != nil {
		return fmt.Errorf("shm: lock offset %d len %d: %w", l.offset, l.length, err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking; ok is false if
// another process currently holds a conflicting lock.
func (l *RegionLock) TryLock() (ok bool, err error) {
	fl := unix.Flock_t{
		Type:   l.flockType(),
		Whence: int16(os.SEEK_SET),
		Start:  l.offset,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &fl); err != nil {
		if err == unix.EACCES || err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("shm: trylock offset %d len %d: %w", l.offset, l.length, err)
	}
	return true, nil
}

// Unlock releases the byte-range lock.
func (l *RegionLock) Unlock() error {
	fl := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  l.offset,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &fl); err != nil {
		return fmt.Errorf("shm: unlock offset %d len %d: %w", l.offset, l.length, err)
	}
	return nil
}

// WithLock runs fn while holding l, always unlocking afterwards.
func WithLock(l *RegionLock, fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
