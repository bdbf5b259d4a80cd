package shm

import "unsafe"

const (
	maxRecipientURLLen = 256
	maxOptionsLen      = 512
)

// JIDEntry is one row of the Job-ID Data area: written by AMG, read by
// FD. Holds the recipient URL, the
// secondary-options string, and a directory-name-table index.
type JIDEntry struct {
	JobID           uint32
	RecipientURL    [maxRecipientURLLen]byte
	NoOfOptions     int32
	Options         [maxOptionsLen]byte
	DirNameTableIdx int32
	InUse           int32 // 0 == free row, compacted by the Reconciler
}

var jidEntrySize = int(unsafe.Sizeof(JIDEntry{}))

// JID is the attach handle for the job-id data area.
type JID struct {
	arena *Arena
}

// CreateJID sizes and zeroes a new JID for `count` rows.
func CreateJID(path string, count int) (*JID, error) {
	a, err := Create(path, jidEntrySize, count)
	if err != nil {
		return nil, err
	}
	return &JID{arena: a}, nil
}

// AttachJID attaches an existing JID read-write.
func AttachJID(path string) (*JID, error) {
	a, err := Attach(path, jidEntrySize)
	if err != nil {
		return nil, err
	}
	return &JID{arena: a}, nil
}

func (j *JID) Detach() error   { return j.arena.Detach() }
func (j *JID) Count() int      { return j.arena.Count() }
func (j *JID) Stale() bool     { return j.arena.Stale() }
func (j *JID) Reattach() error { return j.arena.Reattach() }

func (j *JID) entry(pos int) *JIDEntry {
	b := j.arena.Element(pos)
	return (*JIDEntry)(unsafe.Pointer(&b[0]))
}

// Put writes (or overwrites) the row at `pos` with a job-id's recipient and
// options, as AMG does.
func (j *JID) Put(pos int, jobID uint32, recipientURL, options string, dirIdx int32) {
	e := j.entry(pos)
	e.JobID = jobID
	putCString(e.RecipientURL[:], recipientURL)
	putCString(e.Options[:], options)
	e.DirNameTableIdx = dirIdx
	e.InUse = 1
}

// Find returns the JID row position for job-id, or -1.
func (j *JID) Find(jobID uint32) int {
	for i := 0; i < j.Count(); i++ {
		e := j.entry(i)
		if e.InUse != 0 && e.JobID == jobID {
			return i
		}
	}
	return -1
}

// Get returns a row's recipient URL, options string, and dir table index.
func (j *JID) Get(pos int) (recipientURL, options string, dirIdx int32) {
	e := j.entry(pos)
	return cstring(e.RecipientURL[:]), cstring(e.Options[:]), e.DirNameTableIdx
}

// Remove compacts a JID row by marking it free. The region lock is taken
// at offset 0 of the whole area since compaction can shift later readers'
// assumptions about row occupancy.
func (j *JID) Remove(pos int) error {
	hl := NewHeaderLock(j.arena.Fd(), HeaderSize, true)
	return WithLock(hl, func() error {
		e := j.entry(pos)
		*e = JIDEntry{}
		return nil
	})
}

// AllJobIDs returns the job-ids of every occupied row, used by the
// Reconciler's MDB-vs-AMG-current-message-list comparison.
func (j *JID) AllJobIDs() []uint32 {
	var out []uint32
	for i := 0; i < j.Count(); i++ {
		if e := j.entry(i); e.InUse != 0 {
			out = append(out, e.JobID)
		}
	}
	return out
}

// DirIndexStillReferenced reports whether any in-use JID row still points
// at dirIdx, used to decide whether to drop the corresponding DNB row.
func (j *JID) DirIndexStillReferenced(dirIdx int32) bool {
	for i := 0; i < j.Count(); i++ {
		e := j.entry(i)
		if e.InUse != 0 && e.DirNameTableIdx == dirIdx {
			return true
		}
	}
	return false
}
