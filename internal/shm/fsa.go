package shm

import (
	"fmt"
	"unsafe"
)

// MaxParallelJobs bounds the number of concurrent transfer slots tracked
// per host; fixing it keeps FSAEntry a constant, mmap-friendly size.
const MaxParallelJobs = 32

const (
	maxHostAliasLen    = 32
	maxHostDspNameLen  = 32
	maxRealHostnameLen = 64
	maxFileNameLen     = 256
)

// Host toggle positions.
const (
	ToggleNone byte = iota
	ToggleHostOne
	ToggleHostTwo
)

// Host status bits. The unused values reserve room in the bitset.
const (
	StatusPauseQueue     uint32 = 1 << 0
	StatusAutoPauseQueue uint32 = 1 << 1 // AUTO_PAUSE_QUEUE_STAT
	StatusErrorFileUnder uint32 = 1 << 2 // ERROR_FILE_UNDER_PROCESS
	StatusDisabled       uint32 = 1 << 3
	StatusDanger         uint32 = 1 << 4
)

// Connect status values for a job slot, modeled per-protocol as a scheme
// tag plus a phase instead of a combinatorial enum for every protocol.
type ConnectPhase int32

const (
	PhaseDisconnect ConnectPhase = iota
	PhaseConnecting
	PhaseActive
	PhaseBurst2Active
	PhaseNotWorking
)

// JobStatus is one transfer slot of a host's FSA entry.
type JobStatus struct {
	ConnectStatus   int32
	Scheme          int32 // mirrors mdb.Scheme of the job occupying this slot
	FileNameInUse   [maxFileNameLen]byte
	FileSizeInUse   int64
	FileSizeDone    int64
	FileCounterDone int32
	BytesSend       int64
	ProcessID       int32
	BurstCounter    int32
	JobID           uint32
	BurstReady      int32
	_               [4]byte
}

// FSAEntry is one host's Filetransfer Status Area record.
type FSAEntry struct {
	HostAlias        [maxHostAliasLen]byte
	HostDspName      [maxHostDspNameLen]byte
	RealHostname     [2][maxRealHostnameLen]byte
	HostToggle       int32
	OriginalToggle   int32
	AutoToggleEnable int32
	AllowedTransfers int32
	ActiveTransfers  int32
	ErrorCounter     int32
	MaxErrors        int32
	TotalErrors      int32
	HostStatus       uint32
	TotalFileCounter int32
	TotalFileSize    int64
	LastRetryTime    int64
	JobStatus        [MaxParallelJobs]JobStatus
}

var fsaEntrySize = int(unsafe.Sizeof(FSAEntry{}))

// FSA is the attach handle for the host status area (fifodir/fsa_status).
type FSA struct {
	arena *Arena
}

// CreateFSA sizes and zeroes a new FSA for `count` hosts.
func CreateFSA(path string, count int) (*FSA, error) {
	a, err := Create(path, fsaEntrySize, count)
	if err != nil {
		return nil, err
	}
	return &FSA{arena: a}, nil
}

// AttachFSA attaches an existing FSA read-write.
func AttachFSA(path string) (*FSA, error) {
	a, err := Attach(path, fsaEntrySize)
	if err != nil {
		return nil, err
	}
	return &FSA{arena: a}, nil
}

// Detach unmaps the FSA.
func (f *FSA) Detach() error { return f.arena.Detach() }

// Stale reports whether the FSA header has been marked STALE.
func (f *FSA) Stale() bool { return f.arena.Stale() }

// Reattach re-maps the FSA after a STALE observation.
func (f *FSA) Reattach() error { return f.arena.Reattach() }

// Count returns the number of host entries.
func (f *FSA) Count() int { return f.arena.Count() }

func (f *FSA) entry(pos int) *FSAEntry {
	b := f.arena.Element(pos)
	return (*FSAEntry)(unsafe.Pointer(&b[0]))
}

// fieldLock builds a RegionLock for one field of host `pos`'s entry, found
// by its byte offset within FSAEntry via unsafe.Offsetof-style arithmetic.
func (f *FSA) fieldLock(pos int, fieldOffset, fieldSize uintptr, write bool) *RegionLock {
	return NewFieldLock(f.arena.Fd(), HeaderSize, int64(fsaEntrySize), pos, int64(fieldOffset), int64(fieldSize), write)
}

// Find returns the FSA position of the host with the given alias, or -1.
func (f *FSA) Find(alias string) int {
	for i := 0; i < f.Count(); i++ {
		if cstring(f.entry(i).HostAlias[:]) == alias {
			return i
		}
	}
	return -1
}

// Init writes the static identity fields of a host entry. Called by the
// AMG-equivalent fixture that populates FSA; not used by the scheduler or
// workers, which only mutate the counters below.
func (f *FSA) Init(pos int, alias, dspName, host1, host2 string, allowed, maxErrors int32, autoToggle bool) {
	e := f.entry(pos)
	putCString(e.HostAlias[:], alias)
	putCString(e.HostDspName[:], dspName)
	putCString(e.RealHostname[0][:], host1)
	putCString(e.RealHostname[1][:], host2)
	e.HostToggle = int32(ToggleHostOne)
	e.OriginalToggle = int32(ToggleNone)
	if autoToggle {
		e.AutoToggleEnable = 1
	}
	e.AllowedTransfers = allowed
	e.MaxErrors = maxErrors
}

// Alias returns a host's alias.
func (f *FSA) Alias(pos int) string { return cstring(f.entry(pos).HostAlias[:]) }

// DspName returns a host's display name (its toggle-suffixed form).
func (f *FSA) DspName(pos int) string { return cstring(f.entry(pos).HostDspName[:]) }

// ActiveTransfers reads the host's active transfer count (torn reads
// tolerated; callers needing a consistent snapshot should
// pair with IncActiveTransfers/DecActiveTransfers which lock).
func (f *FSA) ActiveTransfers(pos int) int32 { return f.entry(pos).ActiveTransfers }

// AllowedTransfers reads the host's configured concurrency limit.
func (f *FSA) AllowedTransfers(pos int) int32 { return f.entry(pos).AllowedTransfers }

// IncActiveTransfers atomically increments active_transfers under its
// region lock, keeping 0 <= active_transfers <= allowed_transfers.
func (f *FSA) IncActiveTransfers(pos int) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.ActiveTransfers)
	l := f.fieldLock(pos, off, unsafe.Sizeof(e.ActiveTransfers), true)
	return WithLock(l, func() error {
		if e.ActiveTransfers >= e.AllowedTransfers {
			return fmt.Errorf("shm: host %d at concurrency limit (%d/%d)", pos, e.ActiveTransfers, e.AllowedTransfers)
		}
		e.ActiveTransfers++
		return nil
	})
}

// DecActiveTransfers atomically decrements active_transfers, never below 0.
func (f *FSA) DecActiveTransfers(pos int) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.ActiveTransfers)
	l := f.fieldLock(pos, off, unsafe.Sizeof(e.ActiveTransfers), true)
	return WithLock(l, func() error {
		if e.ActiveTransfers > 0 {
			e.ActiveTransfers--
		}
		return nil
	})
}

// ErrorCounter reads the host's consecutive-error counter.
func (f *FSA) ErrorCounter(pos int) int32 { return f.entry(pos).ErrorCounter }

// MaxErrors reads the host's configured error threshold.
func (f *FSA) MaxErrors(pos int) int32 { return f.entry(pos).MaxErrors }

// ResetErrorCounter clears error_counter to 0 under lock.
func (f *FSA) ResetErrorCounter(pos int) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.ErrorCounter)
	l := f.fieldLock(pos, off, unsafe.Sizeof(e.ErrorCounter), true)
	return WithLock(l, func() error {
		e.ErrorCounter = 0
		return nil
	})
}

// ToggleResult reports whether IncErrorCounter flipped the active host.
type ToggleResult struct {
	Toggled bool
	NewDsp  string
	NewHost string
}

// IncErrorCounter bumps error_counter and total_errors, updates
// last_retry_time, and performs the auto-toggle dance:
//	If auto_toggle==ON and error_counter==max_errors and
//	original_toggle_pos==NONE, save the current toggle. Whenever
//	error_counter % max_errors == 0, swap host_toggle and rewrite the
//	toggle character in host_dsp_name.
func (f *FSA) IncErrorCounter(pos int, now int64) (ToggleResult, error) {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.ErrorCounter)
	l := f.fieldLock(pos, off, unsafe.Sizeof(e.ErrorCounter), true)
	var res ToggleResult
	err := WithLock(l, func() error {
		e.ErrorCounter++
		e.TotalErrors++
		e.LastRetryTime = now
		if e.AutoToggleEnable == 0 || e.MaxErrors <= 0 {
			return nil
		}
		if e.ErrorCounter == e.MaxErrors && e.OriginalToggle == int32(ToggleNone) {
			e.OriginalToggle = e.HostToggle
		}
		if e.ErrorCounter%e.MaxErrors == 0 {
			if e.HostToggle == int32(ToggleHostOne) {
				e.HostToggle = int32(ToggleHostTwo)
			} else {
				e.HostToggle = int32(ToggleHostOne)
			}
			rewriteToggleChar(e.HostDspName[:], e.HostToggle)
			res.Toggled = true
			res.NewDsp = cstring(e.HostDspName[:])
			res.NewHost = cstring(e.RealHostname[e.HostToggle-1][:])
		}
		return nil
	})
	return res, err
}

// rewriteToggleChar appends/updates a single toggle-position suffix
// character (`1`/`2`) on the display name, updating host_dsp_name in
// place.
func rewriteToggleChar(dsp []byte, toggle int32) {
	s := cstring(dsp)
	suffix := byte('1')
	if toggle == int32(ToggleHostTwo) {
		suffix = '2'
	}
	if n := len(s); n > 0 && (s[n-1] == '1' || s[n-1] == '2') {
		s = s[:n-1]
	}
	s = s + string(suffix)
	putCString(dsp, s)
}

// LastRetryTime reads the host's last failed-attempt timestamp (torn reads
// tolerated, same as ActiveTransfers).
func (f *FSA) LastRetryTime(pos int) int64 { return f.entry(pos).LastRetryTime }

// ClearRetryTime zeroes last_retry_time under lock so the next dispatch
// tick skips the host's error backoff, the retry-fifo override.
func (f *FSA) ClearRetryTime(pos int) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.LastRetryTime)
	l := f.fieldLock(pos, off, unsafe.Sizeof(e.LastRetryTime), true)
	return WithLock(l, func() error {
		e.LastRetryTime = 0
		return nil
	})
}

// TotalFileCounter/TotalFileSize and their Add* helpers maintain invariant
// 3: total_file_counter==0 ⇒ total_file_size==0.

func (f *FSA) TotalFileCounter(pos int) int32 { return f.entry(pos).TotalFileCounter }
func (f *FSA) TotalFileSize(pos int) int64    { return f.entry(pos).TotalFileSize }

// AddQueued adds `files`/`bytes` to the queued totals (positive on enqueue,
// negative on dequeue/removal).
func (f *FSA) AddQueued(pos int, files int32, bytes int64) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.TotalFileCounter)
	// TotalFileCounter and TotalFileSize are adjacent; lock both under one
	// region so they can never be observed torn relative to each other
	// during the invariant-3 repair in the Reconciler.
	size := unsafe.Sizeof(e.TotalFileCounter) + unsafe.Sizeof(e.TotalFileSize)
	l := f.fieldLock(pos, off, size, true)
	return WithLock(l, func() error {
		e.TotalFileCounter += files
		e.TotalFileSize += bytes
		if e.TotalFileCounter <= 0 {
			e.TotalFileCounter = 0
			e.TotalFileSize = 0
		}
		return nil
	})
}

// ResetTotals forces the queued totals (and active_transfers/error_counter
// when hostHasNoQueue) back to zero; used by the Reconciler.
func (f *FSA) ResetTotals(pos int) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.ActiveTransfers)
	size := unsafe.Sizeof(e.ActiveTransfers) + unsafe.Sizeof(e.ErrorCounter) +
		unsafe.Sizeof(e.MaxErrors) + unsafe.Sizeof(e.TotalErrors) + unsafe.Sizeof(e.HostStatus) +
		unsafe.Sizeof(e.TotalFileCounter) + unsafe.Sizeof(e.TotalFileSize)
	l := f.fieldLock(pos, off, size, true)
	return WithLock(l, func() error {
		e.ActiveTransfers = 0
		e.ErrorCounter = 0
		e.TotalFileCounter = 0
		e.TotalFileSize = 0
		return nil
	})
}

// Status returns the host status bitset.
func (f *FSA) Status(pos int) uint32 { return f.entry(pos).HostStatus }

// SetStatusBit sets or clears one bit of the host status bitset under lock.
func (f *FSA) SetStatusBit(pos int, bit uint32, set bool) error {
	e := f.entry(pos)
	off := unsafe.Offsetof(e.HostStatus)
	l := f.fieldLock(pos, off, unsafe.Sizeof(e.HostStatus), true)
	return WithLock(l, func() error {
		if set {
			e.HostStatus |= bit
		} else {
			e.HostStatus &^= bit
		}
		return nil
	})
}

// Slot returns a copy of one job-status transfer slot.
func (f *FSA) Slot(pos, slot int) JobStatus {
	return f.entry(pos).JobStatus[slot]
}

// FreeSlot returns the index of the first slot with ProcessID == 0
// (whatever its ConnectStatus), or -1 if all AllowedTransfers slots are
// busy.
func (f *FSA) FreeSlot(pos int) int {
	e := f.entry(pos)
	n := int(e.AllowedTransfers)
	if n > MaxParallelJobs {
		n = MaxParallelJobs
	}
	for i := 0; i < n; i++ {
		if e.JobStatus[i].ProcessID == 0 {
			return i
		}
	}
	return -1
}

// AssignSlot records a dispatched worker's pid and job-id in slot `slot`.
func (f *FSA) AssignSlot(pos, slot int, pid int32, jobID uint32, scheme int32) error {
	e := f.entry(pos)
	js := &e.JobStatus[slot]
	l := f.slotLock(pos, slot, true)
	return WithLock(l, func() error {
		js.ProcessID = pid
		js.JobID = jobID
		js.Scheme = scheme
		js.ConnectStatus = int32(PhaseConnecting)
		js.BurstCounter = 0
		js.BurstReady = 0
		return nil
	})
}

// ClearSlot resets a transfer slot to idle: the normal post-completion
// cleanup, and the supervisor-performed reset when a worker's own exit
// handler did not run.
func (f *FSA) ClearSlot(pos, slot int) error {
	e := f.entry(pos)
	js := &e.JobStatus[slot]
	l := f.slotLock(pos, slot, true)
	return WithLock(l, func() error {
		*js = JobStatus{ConnectStatus: int32(PhaseDisconnect)}
		return nil
	})
}

// ClearNotWorkingSlots resets every one of a host's slots stuck in
// PhaseNotWorking back to PhaseDisconnect, the sweep a successful
// transfer earns the whole host.
func (f *FSA) ClearNotWorkingSlots(pos int) error {
	e := f.entry(pos)
	for i := 0; i < MaxParallelJobs; i++ {
		js := &e.JobStatus[i]
		if js.ConnectStatus != int32(PhaseNotWorking) {
			continue
		}
		l := f.slotLock(pos, i, true)
		if err := WithLock(l, func() error {
			if js.ConnectStatus == int32(PhaseNotWorking) {
				js.ConnectStatus = int32(PhaseDisconnect)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// BurstJobID returns the job-id currently parked in a slot for burst-mode
// handover, per the design-notes redesign: a dedicated field polled by the
// worker rather than a lock-ordering race.
func (f *FSA) BurstJobID(pos, slot int) uint32 {
	return f.entry(pos).JobStatus[slot].JobID
}

// IsBurstReady reports whether a slot's worker has flagged itself idle and
// waiting for a same-host job to hand off. Torn reads are
// tolerated the same way ActiveTransfers' are; callers that need to act on
// the value pair this with TryParkBurstJob, which takes the slot lock.
func (f *FSA) IsBurstReady(pos, slot int) bool {
	return f.entry(pos).JobStatus[slot].BurstReady != 0
}

// MarkBurstReady flags a slot as idle-and-waiting once its worker has
// drained the current job's file set and the transport supports burst
// reuse. The scheduler clears the flag the moment it parks a new job,
// under the same slot lock, so only one dispatch can ever win the handoff.
func (f *FSA) MarkBurstReady(pos, slot int) error {
	e := f.entry(pos)
	js := &e.JobStatus[slot]
	l := f.slotLock(pos, slot, true)
	return WithLock(l, func() error {
		if js.ProcessID == 0 {
			return fmt.Errorf("shm: slot %d/%d has no live worker to mark burst-ready", pos, slot)
		}
		js.BurstReady = 1
		return nil
	})
}

// TryParkBurstJob claims a slot flagged ready-for-burst for jobID, setting
// the slot's job-id and scheme and clearing BurstReady so the waiting
// worker picks it up on its next poll. It returns false (not an error) when
// the slot isn't currently offered — another dispatch already claimed it,
// the worker hasn't reached its idle point yet, or it belongs to a
// different protocol — so the caller falls back to ordinary dispatch.
func (f *FSA) TryParkBurstJob(pos, slot int, jobID uint32, scheme int32) (bool, error) {
	e := f.entry(pos)
	js := &e.JobStatus[slot]
	l := f.slotLock(pos, slot, true)
	var parked bool
	err := WithLock(l, func() error {
		if js.BurstReady == 0 || js.ProcessID == 0 || js.Scheme != scheme {
			return nil
		}
		js.JobID = jobID
		js.BurstReady = 0
		js.BurstCounter++
		js.ConnectStatus = int32(PhaseBurst2Active)
		parked = true
		return nil
	})
	return parked, err
}

// BurstReadySlot scans pos's busy slots for one flagged ready-for-burst on
// the given scheme, returning its index or -1 if none is currently offered.
// The scan itself is lock-free (same tolerance as ActiveTransfers); the
// caller still must win the race via TryParkBurstJob before acting on it.
func (f *FSA) BurstReadySlot(pos int, scheme int32) int {
	e := f.entry(pos)
	n := int(e.AllowedTransfers)
	if n > MaxParallelJobs {
		n = MaxParallelJobs
	}
	for i := 0; i < n; i++ {
		js := &e.JobStatus[i]
		if js.BurstReady != 0 && js.ProcessID != 0 && js.Scheme == scheme {
			return i
		}
	}
	return -1
}

func (f *FSA) slotLock(pos, slot int, write bool) *RegionLock {
	e := f.entry(pos)
	slotSize := unsafe.Sizeof(e.JobStatus[0])
	base := unsafe.Offsetof(e.JobStatus)
	off := base + uintptr(slot)*slotSize
	return f.fieldLock(pos, off, slotSize, write)
}

// UpdateProgress records per-file progress for a slot under lock.
func (f *FSA) UpdateProgress(pos, slot int, fileName string, fileSize, sizeDone int64) error {
	e := f.entry(pos)
	js := &e.JobStatus[slot]
	l := f.slotLock(pos, slot, true)
	return WithLock(l, func() error {
		if fileName != "" {
			putCString(js.FileNameInUse[:], fileName)
			js.FileSizeInUse = fileSize
		}
		js.FileSizeDone = sizeDone
		return nil
	})
}

// FinishFile bumps file_counter_done/bytes_send after one file completes
// and clears file_name_in_use.
func (f *FSA) FinishFile(pos, slot int, size int64) error {
	e := f.entry(pos)
	js := &e.JobStatus[slot]
	l := f.slotLock(pos, slot, true)
	return WithLock(l, func() error {
		js.FileCounterDone++
		js.BytesSend += size
		js.FileSizeDone = 0
		js.FileNameInUse = [maxFileNameLen]byte{}
		return nil
	})
}

// cstring trims a fixed-size NUL-padded byte array down to its Go string.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// putCString writes s into a fixed-size NUL-padded byte array, truncating
// if necessary.
func putCString(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	n := copy(b, s)
	_ = n
}
