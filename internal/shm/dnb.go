package shm

import "unsafe"

const maxDirFullNameLen = 256

// DNBEntry is one row of the Directory Name Table: a directory id plus its
// full path, dereferenced by JID.DirNameTableIdx.
type DNBEntry struct {
	DirID   int32
	DirName [maxDirFullNameLen]byte
	InUse   int32
}

var dnbEntrySize = int(unsafe.Sizeof(DNBEntry{}))

// DNB is the attach handle for the directory-name table.
type DNB struct {
	arena *Arena
}

// CreateDNB sizes and zeroes a new DNB for `count` rows.
func CreateDNB(path string, count int) (*DNB, error) {
	a, err := Create(path, dnbEntrySize, count)
	if err != nil {
		return nil, err
	}
	return &DNB{arena: a}, nil
}

// AttachDNB attaches an existing DNB read-write.
func AttachDNB(path string) (*DNB, error) {
	a, err := Attach(path, dnbEntrySize)
	if err != nil {
		return nil, err
	}
	return &DNB{arena: a}, nil
}

func (d *DNB) Detach() error   { return d.arena.Detach() }
func (d *DNB) Count() int      { return d.arena.Count() }
func (d *DNB) Stale() bool     { return d.arena.Stale() }
func (d *DNB) Reattach() error { return d.arena.Reattach() }

func (d *DNB) entry(pos int) *DNBEntry {
	b := d.arena.Element(pos)
	return (*DNBEntry)(unsafe.Pointer(&b[0]))
}

// Put writes a directory-name row.
func (d *DNB) Put(pos int, dirID int32, name string) {
	e := d.entry(pos)
	e.DirID = dirID
	putCString(e.DirName[:], name)
	e.InUse = 1
}

// Name returns the full path stored at `pos`.
func (d *DNB) Name(pos int) string { return cstring(d.entry(pos).DirName[:]) }

// FindByIndex reports whether row `pos` is in use.
func (d *DNB) FindByIndex(pos int) (name string, ok bool) {
	e := d.entry(pos)
	if e.InUse == 0 {
		return "", false
	}
	return cstring(e.DirName[:]), true
}

// Drop marks row `pos` free once no JID row references its directory id
// any more.
func (d *DNB) Drop(pos int) {
	e := d.entry(pos)
	*e = DNBEntry{}
}
