// Package queue implements the Queue Buffer (QB): the priority-ordered,
// memory-mapped list of pending and in-flight jobs.
//
// Unlike FSA/FRA/MDB, whose slots are addressed by a stable index, QB is
// a packed, sorted array: entries live in slots [0, Len()) with no gaps,
// kept non-decreasing by msg_number. Insertion shifts the tail right;
// removal collapses it left.
package queue

import (
	"fmt"
	"unsafe"

	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/shm"
)

// Pid field sentinels.
const (
	PidPending = -2
	PidRemoved = -3
)

const growBlock = 64

// Entry is one QB row: a message name, its ordering key, dispatch state,
// and back-references into MDB/FRA.
type Entry struct {
	CreationTime int64
	MsgNumber    int64
	QueuedAt     int64
	Unique       uint32
	JobID        uint32
	MDBPos       int32
	ConnectSlot  int32
	Pid          int32
	InErrorDir   int32
	Priority     byte
	InUse        byte
	_            [6]byte // padding
}

var entrySize = int(unsafe.Sizeof(Entry{}))

// QB is the attach handle for the queue buffer.
type QB struct {
	arena *shm.Arena
}

// Create sizes a new, empty QB.
func Create(path string) (*QB, error) {
	a, err := shm.Create(path, entrySize, growBlock)
	if err != nil {
		return nil, err
	}
	return &QB{arena: a}, nil
}

// Attach opens an existing QB read-write.
func Attach(path string) (*QB, error) {
	a, err := shm.Attach(path, entrySize)
	if err != nil {
		return nil, err
	}
	return &QB{arena: a}, nil
}

func (q *QB) Detach() error   { return q.arena.Detach() }
func (q *QB) Stale() bool     { return q.arena.Stale() }
func (q *QB) Reattach() error { return q.arena.Reattach() }

func (q *QB) entry(i int) *Entry {
	b := q.arena.Element(i)
	return (*Entry)(unsafe.Pointer(&b[0]))
}

func (q *QB) headerLock() *shm.RegionLock {
	return shm.NewHeaderLock(q.arena.Fd(), shm.HeaderSize, true)
}

// Len returns the number of live (in-use) entries, which always occupy the
// contiguous prefix [0, Len()) of the underlying arena.
func (q *QB) Len() int {
	n := 0
	cap := q.arena.Count()
	for n < cap && q.entry(n).InUse != 0 {
		n++
	}
	return n
}

// Insert materialises a new QB entry for name, keeping the array sorted
// non-decreasingly by msg_number. It returns the
// index the entry landed at. New entries start PENDING.
func (q *QB) Insert(name message.Name, mdbPos int, queuedAt int64) (int, error) {
	hl := q.headerLock()
	if err := hl.Lock(); err != nil {
		return -1, err
	}
	defer hl.Unlock()

	n := q.Len()
	if n == q.arena.Count() {
		if err := q.arena.Grow(growBlock); err != nil {
			return -1, fmt.Errorf("queue: grow: %w", err)
		}
	}

	num := message.MsgNumber(name)
	idx := n
	for i := 0; i < n; i++ {
		if q.entry(i).MsgNumber > num {
			idx = i
			break
		}
	}

	for i := n; i > idx; i-- {
		*q.entry(i) = *q.entry(i - 1)
	}

	*q.entry(idx) = Entry{
		CreationTime: name.CreationTime,
		MsgNumber:    num,
		QueuedAt:     queuedAt,
		Unique:       name.Unique,
		JobID:        name.JobID,
		MDBPos:       int32(mdbPos),
		ConnectSlot:  -1,
		Pid:          PidPending,
		Priority:     name.Priority,
		InUse:        1,
	}
	return idx, nil
}

// Remove deletes the entry at pos, collapsing everything after it left by
// one.
func (q *QB) Remove(pos int) error {
	hl := q.headerLock()
	if err := hl.Lock(); err != nil {
		return err
	}
	defer hl.Unlock()

	n := q.Len()
	if pos < 0 || pos >= n {
		return fmt.Errorf("queue: remove: position %d out of range [0,%d)", pos, n)
	}
	for i := pos; i < n-1; i++ {
		*q.entry(i) = *q.entry(i + 1)
	}
	*q.entry(n - 1) = Entry{}
	return nil
}

// FindByJobID returns the position of the live entry for jobID, or -1.
func (q *QB) FindByJobID(jobID uint32) int {
	n := q.Len()
	for i := 0; i < n; i++ {
		if q.entry(i).JobID == jobID {
			return i
		}
	}
	return -1
}

// Pid returns the worker pid field (PidPending, PidRemoved, or a live pid).
func (q *QB) Pid(pos int) int32 { return q.entry(pos).Pid }

// Dispatch atomically sets pid and connect slot when the scheduler forks a
// worker for this entry.
func (q *QB) Dispatch(pos int, pid int32, connectSlot int32) {
	e := q.entry(pos)
	e.Pid = pid
	e.ConnectSlot = connectSlot
}

// MarkPending resets an entry back to PENDING after STILL_FILES_TO_SEND,
// leaving the entry in place for the next scheduler tick.
func (q *QB) MarkPending(pos int) {
	e := q.entry(pos)
	e.Pid = PidPending
	e.ConnectSlot = -1
}

// MDBPos returns the back-reference into MDB (or FRA, for retrieve jobs).
func (q *QB) MDBPos(pos int) int32 { return q.entry(pos).MDBPos }

// InErrorDir reports whether this entry's files live under files/error/.
func (q *QB) InErrorDir(pos int) bool { return q.entry(pos).InErrorDir != 0 }

// SetInErrorDir flips the in-error-dir flag.
func (q *QB) SetInErrorDir(pos int, v bool) {
	if v {
		q.entry(pos).InErrorDir = 1
	} else {
		q.entry(pos).InErrorDir = 0
	}
}

// MsgNumber returns the ordering key stored for pos.
func (q *QB) MsgNumber(pos int) int64 { return q.entry(pos).MsgNumber }

// Name reconstructs the message.Name this entry was inserted with.
func (q *QB) Name(pos int) message.Name {
	e := q.entry(pos)
	return message.Name{
		Priority:     e.Priority,
		CreationTime: e.CreationTime,
		Unique:       e.Unique,
		JobID:        e.JobID,
	}
}
