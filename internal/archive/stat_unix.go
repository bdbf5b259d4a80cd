package archive

import (
	"errors"
	"io/fs"
	"syscall"
)

// linkCount returns the hard-link count of a directory entry, used to
// decide whether a bucket directory still has room under LinkMax-2.
func linkCount(info fs.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return uint64(st.Nlink)
}

// isEMLINK reports whether err is the "too many links" error mkdir raises
// when a bucket directory has hit the filesystem's link ceiling.
func isEMLINK(err error) bool {
	return errors.Is(err, syscall.EMLINK)
}
