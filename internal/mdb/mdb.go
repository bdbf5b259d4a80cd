// Package mdb implements the Message Cache (MDB): a persistent, mmap'd
// map from job-id to destination metadata, grown in fixed blocks.
package mdb

import (
	"fmt"
	"unsafe"

	"github.com/transferfleet/afd/internal/shm"
)

// Scheme is the wire protocol tag a job's destination URL selects; it
// drives worker dispatch.
type Scheme int32

const (
	SchemeUnknown Scheme = iota
	SchemeFTP
	SchemeSMTP
	SchemeLOC
	SchemeWMO
	SchemeMAP
)

func (s Scheme) String() string {
	switch s {
	case SchemeFTP:
		return "ftp"
	case SchemeSMTP:
		return "smtp"
	case SchemeLOC:
		return "loc"
	case SchemeWMO:
		return "wmo"
	case SchemeMAP:
		return "map"
	default:
		return "unknown"
	}
}

// ParseScheme maps a recipient URL scheme string onto a Scheme, returning
// SchemeUnknown for anything else.
func ParseScheme(s string) Scheme {
	switch s {
	case "ftp":
		return SchemeFTP
	case "smtp", "mailto":
		return SchemeSMTP
	case "file", "loc":
		return SchemeLOC
	case "wmo":
		return SchemeWMO
	case "map":
		return SchemeMAP
	default:
		return SchemeUnknown
	}
}

const (
	maxHostAliasLen = 32
	blockSize       = 256 // MSG_CACHE_BUF_SIZE equivalent
)

// Entry is one MDB row.
type Entry struct {
	JobID              uint32
	HostAlias          [maxHostAliasLen]byte
	FSAPos             int32
	Scheme             int32
	AgeLimit           int32
	MessageMTime       int64
	LastTransferTime   int64
	InCurrentFSA       int32
	InUse              int32
}

var entrySize = int(unsafe.Sizeof(Entry{}))

// MDB is the attach handle for the message cache.
type MDB struct {
	arena *shm.Arena
}

// Create sizes a new MDB for one initial block of entries.
func Create(path string) (*MDB, error) {
	a, err := shm.Create(path, entrySize, blockSize)
	if err != nil {
		return nil, err
	}
	return &MDB{arena: a}, nil
}

// Attach opens an existing MDB read-write.
func Attach(path string) (*MDB, error) {
	a, err := shm.Attach(path, entrySize)
	if err != nil {
		return nil, err
	}
	return &MDB{arena: a}, nil
}

func (m *MDB) Detach() error   { return m.arena.Detach() }
func (m *MDB) Count() int      { return m.arena.Count() }
func (m *MDB) Stale() bool     { return m.arena.Stale() }
func (m *MDB) Reattach() error { return m.arena.Reattach() }

func (m *MDB) entry(pos int) *Entry {
	b := m.arena.Element(pos)
	return (*Entry)(unsafe.Pointer(&b[0]))
}

// growIfNeeded grows the arena by one block when every slot is occupied.
func (m *MDB) growIfNeeded() error {
	for i := 0; i < m.Count(); i++ {
		if m.entry(i).InUse == 0 {
			return nil
		}
	}
	return m.arena.Grow(blockSize)
}

// FindByJobID returns the MDB position for job-id, or -1.
func (m *MDB) FindByJobID(jobID uint32) int {
	for i := 0; i < m.Count(); i++ {
		e := m.entry(i)
		if e.InUse != 0 && e.JobID == jobID {
			return i
		}
	}
	return -1
}

// Put materialises (pos == -1) or updates (pos >= 0) an entry.
func (m *MDB) Put(pos int, jobID uint32, hostAlias string, fsaPos int, scheme Scheme, ageLimit int32, msgMTime int64) (int, error) {
	if pos == -1 {
		if err := m.growIfNeeded(); err != nil {
			return -1, err
		}
		pos = -1
		for i := 0; i < m.Count(); i++ {
			if m.entry(i).InUse == 0 {
				pos = i
				break
			}
		}
		if pos == -1 {
			return -1, fmt.Errorf("mdb: no free slot after grow")
		}
	}
	e := m.entry(pos)
	e.JobID = jobID
	copy(e.HostAlias[:], hostAlias)
	e.FSAPos = int32(fsaPos)
	e.Scheme = int32(scheme)
	e.AgeLimit = ageLimit
	e.MessageMTime = msgMTime
	e.InCurrentFSA = 1
	e.InUse = 1
	return pos, nil
}

// Get returns a snapshot of an entry's fields.
func (m *MDB) Get(pos int) (jobID uint32, hostAlias string, fsaPos int, scheme Scheme, ageLimit int32, lastTransfer int64) {
	e := m.entry(pos)
	return e.JobID, shmCString(e.HostAlias[:]), int(e.FSAPos), Scheme(e.Scheme), e.AgeLimit, e.LastTransferTime
}

// MarkTransferred stamps last_successful_transfer_time.
func (m *MDB) MarkTransferred(pos int, when int64) {
	m.entry(pos).LastTransferTime = when
}

// SetInCurrentFSA flips the reconciliation flag used during the MDB-vs-
// current-message-list comparison.
func (m *MDB) SetInCurrentFSA(pos int, v bool) {
	if v {
		m.entry(pos).InCurrentFSA = 1
	} else {
		m.entry(pos).InCurrentFSA = 0
	}
}

// InCurrentFSA reads the reconciliation flag.
func (m *MDB) InCurrentFSA(pos int) bool { return m.entry(pos).InCurrentFSA != 0 }

// SetFSAPos rewrites the FSA position an entry caches: when AMG
// regenerates FSA, entries that still resolve by host alias move to the
// new position instead of being invalidated.
func (m *MDB) SetFSAPos(pos, fsaPos int) { m.entry(pos).FSAPos = int32(fsaPos) }

// Delete frees an MDB slot.
func (m *MDB) Delete(pos int) {
	*m.entry(pos) = Entry{}
}

// AllJobIDs returns the job-ids of every occupied slot, used by the
// Reconciler's sweep.
func (m *MDB) AllJobIDs() []uint32 {
	var out []uint32
	for i := 0; i < m.Count(); i++ {
		if e := m.entry(i); e.InUse != 0 {
			out = append(out, e.JobID)
		}
	}
	return out
}

func shmCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
