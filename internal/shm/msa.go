package shm

import "unsafe"

// MaxLogHistory bounds each afd_mon log-history ring.
const MaxLogHistory = 48

// StorageTime is the number of top-of-day counter days MSA retains.
const StorageTime = 7

const (
	maxAFDAliasLen   = 32
	maxAFDHostLen    = 64
	maxRemoteWorkDir = 256
	maxRemoteVersion = 32
	maxColourFifoLen = 64
)

// MaxRemoteHosts/MaxRemoteDirs bound how many of a remote AFD's hosts and
// directories one MSA row mirrors from its `HL`/`DL` protocol lines.
const (
	MaxRemoteHosts = 64
	MaxRemoteDirs  = 64
)

// MaxErrorHistory bounds one remote host's error-history ring, fed by the
// `EL` protocol line.
const MaxErrorHistory = 12

// RemoteHost is one row of a remote AFD's host list, mirrored from an
// `HL` line.
type RemoteHost struct {
	Alias        [maxAFDAliasLen]byte
	ErrorCounter int32
	Status       int32
	InUse        int32
}

// RemoteDir is one row of a remote AFD's directory list, mirrored from a
// `DL` line.
type RemoteDir struct {
	Alias  [maxAFDAliasLen]byte
	Status int32
	InUse  int32
}

// ConnectStatus is the afd_mon <-> remote AFDD connection state.
type ConnectStatus int32

const (
	StatusDisconnected ConnectStatus = iota
	StatusEstablished
	StatusDefunct
	StatusDisabledMSA
)

// LogHistoryKind indexes MSAEntry's three log-history rings.
type LogHistoryKind int

const (
	LogReceive LogHistoryKind = iota
	LogSystem
	LogTransfer
	numLogHistories
)

// DayCounters is one STORAGE_TIME-day top-of-day ring: transfer rate
// (bytes), file rate (count) and peak active-transfers, one slot per day.
type DayCounters struct {
	TransferRate [StorageTime]float64
	FileRate     [StorageTime]float64
	ActiveTrans  [StorageTime]int32
}

// MSAEntry is one remote AFD's Monitor Status Area record.
type MSAEntry struct {
	AFDAlias [maxAFDAliasLen]byte
	Hostname [2][maxAFDHostLen]byte
	Port     [2]int32
	Toggle   byte // ToggleNone/ToggleHostOne/ToggleHostTwo, reused from FSA

	PollInterval   int32 // seconds between AFDD polls
	ConnectTime    int64 // unix time of last successful connect
	DisconnectTime int64

	AMGStatus          byte
	FDStatus           byte
	ArchiveWatchStatus byte

	JobsInQueue      int32
	ActiveTransfers  int32
	HostErrorCounter int32
	NoOfHosts        int32
	NoOfDirs         int32

	Hosts        [MaxRemoteHosts]RemoteHost
	Dirs         [MaxRemoteDirs]RemoteDir
	ErrorHistory [MaxRemoteHosts][MaxErrorHistory]byte

	Day DayCounters

	SysLogColourFifo [maxColourFifoLen]byte

	LogHistory            [numLogHistories][MaxLogHistory]byte
	LogHistoryLen         [numLogHistories]int32
	LogHistoryShiftedHour [numLogHistories]int32 // hour-of-day the ring last shifted for, -1 = never

	RemoteWorkDir [maxRemoteWorkDir]byte
	RemoteVersion [maxRemoteVersion]byte

	ConnectStatus ConnectStatus
}

var msaEntrySize = int(unsafe.Sizeof(MSAEntry{}))

// MSA is the attach handle for the Monitor Status Area.
type MSA struct {
	arena *Arena
}

// CreateMSA sizes and zeroes a new MSA for `count` remote AFDs.
func CreateMSA(path string, count int) (*MSA, error) {
	a, err := Create(path, msaEntrySize, count)
	if err != nil {
		return nil, err
	}
	return &MSA{arena: a}, nil
}

// AttachMSA attaches an existing MSA read-write.
func AttachMSA(path string) (*MSA, error) {
	a, err := Attach(path, msaEntrySize)
	if err != nil {
		return nil, err
	}
	return &MSA{arena: a}, nil
}

func (m *MSA) Detach() error   { return m.arena.Detach() }
func (m *MSA) Count() int      { return m.arena.Count() }
func (m *MSA) Stale() bool     { return m.arena.Stale() }
func (m *MSA) Reattach() error { return m.arena.Reattach() }

func (m *MSA) entry(pos int) *MSAEntry {
	b := m.arena.Element(pos)
	return (*MSAEntry)(unsafe.Pointer(&b[0]))
}

// Init writes a new MSA row's static identity fields from an
// AFD_MON_CONFIG line. Real hostnames/ports beyond the first
// slot may be left zero for a single-target AFD.
func (m *MSA) Init(pos int, alias, host1, host2 string, port1, port2 int32, pollInterval int32) {
	e := m.entry(pos)
	*e = MSAEntry{}
	putCString(e.AFDAlias[:], alias)
	putCString(e.Hostname[0][:], host1)
	putCString(e.Hostname[1][:], host2)
	e.Port[0] = port1
	e.Port[1] = port2
	e.PollInterval = pollInterval
	for i := range e.LogHistoryShiftedHour {
		e.LogHistoryShiftedHour[i] = -1
	}
	e.ConnectStatus = StatusDisconnected
}

func (m *MSA) Alias(pos int) string { return cstring(m.entry(pos).AFDAlias[:]) }

func (m *MSA) Find(alias string) int {
	for i := 0; i < m.Count(); i++ {
		if m.Alias(i) == alias {
			return i
		}
	}
	return -1
}

func (m *MSA) Hostnames(pos int) (h1, h2 string) {
	e := m.entry(pos)
	return cstring(e.Hostname[0][:]), cstring(e.Hostname[1][:])
}

func (m *MSA) Ports(pos int) (p1, p2 int32) {
	e := m.entry(pos)
	return e.Port[0], e.Port[1]
}

func (m *MSA) PollInterval(pos int) int32 { return m.entry(pos).PollInterval }

// SetConnectStatus updates the connect_status field under a field-level
// lock, mirroring FSA's per-field locking discipline.
func (m *MSA) SetConnectStatus(pos int, status ConnectStatus) error {
	e := m.entry(pos)
	off := unsafe.Offsetof(e.ConnectStatus)
	l := NewFieldLock(m.arena.Fd(), HeaderSize, int64(msaEntrySize), pos, int64(off), int64(unsafe.Sizeof(e.ConnectStatus)), true)
	return WithLock(l, func() error {
		e.ConnectStatus = status
		return nil
	})
}

func (m *MSA) GetConnectStatus(pos int) ConnectStatus { return m.entry(pos).ConnectStatus }

// SetConnectTime and SetDisconnectTime record a successful connect or a
// disconnect event.
func (m *MSA) SetConnectTime(pos int, unixTime int64) {
	m.entry(pos).ConnectTime = unixTime
}

func (m *MSA) SetDisconnectTime(pos int, unixTime int64) {
	m.entry(pos).DisconnectTime = unixTime
}

// daemonStatusUnset is the sentinel SetDaemonStatus treats as "leave this
// field alone", since `AM`/`FD`/`AW` arrive as separate protocol lines and
// each call only ever carries one real value.
const daemonStatusUnset byte = 0xFF

// SetDaemonStatus updates AMG/FD/archive-watch status bytes reported by
// the remote's `AM`/`FD`/`AW` protocol lines. Pass daemonStatusUnset for
// any field a given call doesn't carry.
func (m *MSA) SetDaemonStatus(pos int, amg, fd, archiveWatch byte) {
	e := m.entry(pos)
	if amg != daemonStatusUnset {
		e.AMGStatus = amg
	}
	if fd != daemonStatusUnset {
		e.FDStatus = fd
	}
	if archiveWatch != daemonStatusUnset {
		e.ArchiveWatchStatus = archiveWatch
	}
}

// SetCounts applies `NH`/`ND`/`NJ` (host/dir/jobs-in-queue counts).
func (m *MSA) SetCounts(pos int, noOfHosts, noOfDirs, jobsInQueue, activeTransfers int32) {
	e := m.entry(pos)
	e.NoOfHosts = noOfHosts
	e.NoOfDirs = noOfDirs
	e.JobsInQueue = jobsInQueue
	e.ActiveTransfers = activeTransfers
}

// NoOfHosts and NoOfDirs read back the last-applied host/dir counts, used
// when a partial NH/ND/IS update must preserve the other field.
func (m *MSA) NoOfHosts(pos int) int32 { return m.entry(pos).NoOfHosts }
func (m *MSA) NoOfDirs(pos int) int32  { return m.entry(pos).NoOfDirs }
func (m *MSA) JobsInQueue(pos int) int32     { return m.entry(pos).JobsInQueue }
func (m *MSA) ActiveTransfers(pos int) int32 { return m.entry(pos).ActiveTransfers }
func (m *MSA) HostErrorCounter(pos int) int32 { return m.entry(pos).HostErrorCounter }

// SetHostErrorCounter applies an `IS` line's host_error_counter field.
func (m *MSA) SetHostErrorCounter(pos int, n int32) {
	m.entry(pos).HostErrorCounter = n
}

// SetRemoteHost applies an `HL` row: the remote's host-list entry at idx.
func (m *MSA) SetRemoteHost(pos, idx int, alias string, errorCounter, status int32) {
	if idx < 0 || idx >= MaxRemoteHosts {
		return
	}
	h := &m.entry(pos).Hosts[idx]
	putCString(h.Alias[:], alias)
	h.ErrorCounter = errorCounter
	h.Status = status
	h.InUse = 1
}

// RemoteHost reads back the host-list entry at idx; ok is false for an
// index no `HL` row has populated.
func (m *MSA) RemoteHost(pos, idx int) (alias string, errorCounter, status int32, ok bool) {
	if idx < 0 || idx >= MaxRemoteHosts {
		return "", 0, 0, false
	}
	h := &m.entry(pos).Hosts[idx]
	if h.InUse == 0 {
		return "", 0, 0, false
	}
	return cstring(h.Alias[:]), h.ErrorCounter, h.Status, true
}

// SetRemoteDir applies a `DL` row: the remote's directory-list entry at
// idx.
func (m *MSA) SetRemoteDir(pos, idx int, alias string, status int32) {
	if idx < 0 || idx >= MaxRemoteDirs {
		return
	}
	d := &m.entry(pos).Dirs[idx]
	putCString(d.Alias[:], alias)
	d.Status = status
	d.InUse = 1
}

// RemoteDir reads back the directory-list entry at idx.
func (m *MSA) RemoteDir(pos, idx int) (alias string, status int32, ok bool) {
	if idx < 0 || idx >= MaxRemoteDirs {
		return "", 0, false
	}
	d := &m.entry(pos).Dirs[idx]
	if d.InUse == 0 {
		return "", 0, false
	}
	return cstring(d.Alias[:]), d.Status, true
}

// SetErrorHistory applies an `EL` row: one remote host's recent error
// codes, truncated to MaxErrorHistory.
func (m *MSA) SetErrorHistory(pos, hostIdx int, hist []byte) {
	if hostIdx < 0 || hostIdx >= MaxRemoteHosts {
		return
	}
	ring := &m.entry(pos).ErrorHistory[hostIdx]
	for i := range ring {
		ring[i] = 0
	}
	copy(ring[:], hist)
}

// HostErrorHistory reads back one remote host's error-code ring.
func (m *MSA) HostErrorHistory(pos, hostIdx int) []byte {
	if hostIdx < 0 || hostIdx >= MaxRemoteHosts {
		return nil
	}
	ring := m.entry(pos).ErrorHistory[hostIdx]
	return append([]byte(nil), ring[:]...)
}

// TrimRemoteLists drops host/directory rows at or beyond the freshly
// reported counts, the remap an `NH`/`ND` change triggers: a shrunk remote
// list must not leave stale tail rows behind.
func (m *MSA) TrimRemoteLists(pos int, noOfHosts, noOfDirs int32) {
	e := m.entry(pos)
	for i := int(noOfHosts); i >= 0 && i < MaxRemoteHosts; i++ {
		e.Hosts[i] = RemoteHost{}
		e.ErrorHistory[i] = [MaxErrorHistory]byte{}
	}
	for i := int(noOfDirs); i >= 0 && i < MaxRemoteDirs; i++ {
		e.Dirs[i] = RemoteDir{}
	}
}

// SetDayCounters applies the `IS` line's top-of-day rate fields at `day`
// (0 == today).
func (m *MSA) SetDayCounters(pos, day int, transferRate, fileRate float64, activeTrans int32) {
	e := m.entry(pos)
	if day < 0 || day >= StorageTime {
		return
	}
	e.Day.TransferRate[day] = transferRate
	e.Day.FileRate[day] = fileRate
	e.Day.ActiveTrans[day] = activeTrans
}

func (m *MSA) SetSysLogColourFifo(pos int, path string) {
	putCString(m.entry(pos).SysLogColourFifo[:], path)
}

func (m *MSA) SetRemoteWorkDir(pos int, dir string) {
	putCString(m.entry(pos).RemoteWorkDir[:], dir)
}

func (m *MSA) SetRemoteVersion(pos int, version string) {
	putCString(m.entry(pos).RemoteVersion[:], version)
}

// LogHistory returns a copy of one ring's current bytes and populated
// length.
func (m *MSA) LogHistory(pos int, kind LogHistoryKind) (data []byte, n int) {
	e := m.entry(pos)
	n = int(e.LogHistoryLen[kind])
	data = append([]byte(nil), e.LogHistory[kind][:]...)
	return data, n
}

// ShiftLogHistory shifts one ring left by one slot at most once per
// wall-clock hour, regardless of how
// many sub-hour updates arrive. `hour` is the update's hour-of-day
// (0-23, already folded by the caller from a full timestamp so a
// day boundary still counts as a new hour). Returns whether a shift
// actually occurred.
func (m *MSA) ShiftLogHistory(pos int, kind LogHistoryKind, hour int) bool {
	e := m.entry(pos)
	if int(e.LogHistoryShiftedHour[kind]) == hour {
		return false
	}
	ring := &e.LogHistory[kind]
	copy(ring[:MaxLogHistory-1], ring[1:])
	ring[MaxLogHistory-1] = 0
	if e.LogHistoryLen[kind] > 0 {
		e.LogHistoryLen[kind]--
	}
	e.LogHistoryShiftedHour[kind] = int32(hour)
	return true
}

// AppendLogHistory applies one `RH`/`SH`/`TH` update. Once the ring is
// full, a short update
// means the remote already shifted its own copy by one hour; the local
// ring must shift to match exactly once for that wall-clock hour and then the update's bytes replace the tail
// slots — never shifting again for further short updates in the same
// hour, matching "shift_log_his[RECEIVE]=DONE until the next hour
// crossing". While the ring is still filling up (not yet full) or a full
// MaxLogHistory-length update arrives, data is written in place with no
// shift.
func (m *MSA) AppendLogHistory(pos int, kind LogHistoryKind, newData []byte, hour int) {
	e := m.entry(pos)
	curLen := int(e.LogHistoryLen[kind])
	ring := &e.LogHistory[kind]

	if curLen >= MaxLogHistory && len(newData) < MaxLogHistory {
		m.ShiftLogHistory(pos, kind, hour)
		start := MaxLogHistory - len(newData)
		copy(ring[start:], newData)
		e.LogHistoryLen[kind] = MaxLogHistory
		return
	}

	n := copy(ring[curLen:], newData)
	e.LogHistoryLen[kind] = int32(curLen + n)
}
