// Package archive implements the Archive Engine: it lazily materialises a
// bucketed destination directory tree and moves a sent file into it.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// LinkMax is the filesystem's hard-link ceiling for a directory entry,
// pinned to a constant since this module targets Linux/ext4-class
// filesystems where it is always a large fixed value.
const LinkMax = 32000

// DefaultStepTime quantizes archive destination names and bounds how long
// a terminal directory is reused before a fresh one is selected
// (ARCHIVE_STEP_TIME), when no explicit step time is configured.
const DefaultStepTime = 15 * time.Minute

// ErrArchiveFull is returned when every bucket under a host/user directory
// has reached LinkMax-2 links and no new bucket can be allocated.
var ErrArchiveFull = fmt.Errorf("archive: archive directory is full")

// Job carries the fields the Engine needs from the transferring job.
type Job struct {
	HostAlias string
	User      string // mail/FTP user name; "/" is stripped, empty -> "none"
	Priority  byte
	JobID     uint32
	// ArchiveTime is the job's `archive <seconds>` option value, added to
	// the current time before quantizing the destination's bucket_time.
	ArchiveTime int
}

// Engine materialises and reuses archive destination directories under
// root (`<work>/archive`). One Engine is shared by every worker of a
// process; reuse of the current terminal directory is tracked per job so
// a single long-lived process can serve many jobs concurrently.
type Engine struct {
	root     string
	stepTime time.Duration

	// LinkMax overrides the filesystem link ceiling bucket rotation is
	// computed against; 0 means the LinkMax constant.
	LinkMax int

	mu      sync.Mutex
	current map[string]string    // job key -> current terminal dir
	started map[string]time.Time // job key -> when that dir was picked
}

// NewEngine returns an Engine rooted at `<work>/archive`. A stepTime of 0
// falls back to DefaultStepTime.
func NewEngine(root string, stepTime time.Duration) *Engine {
	if stepTime <= 0 {
		stepTime = DefaultStepTime
	}
	return &Engine{
		root:     root,
		stepTime: stepTime,
		current:  make(map[string]string),
		started:  make(map[string]time.Time),
	}
}

func userComponent(user string) string {
	u := strings.ReplaceAll(user, "/", "")
	if u == "" {
		return "none"
	}
	return u
}

func key(j Job) string {
	return fmt.Sprintf("%s/%s/%c_%d", j.HostAlias, userComponent(j.User), j.Priority, j.JobID)
}

// ArchiveFile moves filename (full path srcPath) into this job's current
// archive destination, materialising or rotating the destination directory
// as needed. It returns the final path the file was moved to.
func (e *Engine) ArchiveFile(srcPath, filename string, j Job) (string, error) {
	e.mu.Lock()
	k := key(j)
	dir, ok := e.current[k]
	stale := !ok || time.Since(e.started[k]) > e.stepTime
	if stale {
		var err error
		dir, err = e.materialise(j)
		if err != nil {
			e.mu.Unlock()
			return "", err
		}
		e.current[k] = dir
		e.started[k] = time.Now()
	}
	e.mu.Unlock()

	dst := filepath.Join(dir, filename)
	if err := os.Rename(srcPath, dst); err != nil {
		return "", fmt.Errorf("archive: move %s -> %s: %w", srcPath, dst, err)
	}
	return dst, nil
}

// materialise picks (creating as needed) the bucket directory for j and
// returns the terminal `<priority>_<bucket_time>_<job_id>` directory
// inside it.
func (e *Engine) materialise(j Job) (string, error) {
	hostDir := filepath.Join(e.root, j.HostAlias)
	if err := os.MkdirAll(hostDir, 0750); err != nil {
		return "", fmt.Errorf("archive: mkdir %s: %w", hostDir, err)
	}
	userDir := filepath.Join(hostDir, userComponent(j.User))
	if err := os.MkdirAll(userDir, 0750); err != nil {
		return "", fmt.Errorf("archive: mkdir %s: %w", userDir, err)
	}

	for {
		bucket, err := e.pickBucket(userDir)
		if err != nil {
			return "", err
		}
		bucketDir := filepath.Join(userDir, strconv.Itoa(bucket))
		if err := os.MkdirAll(bucketDir, 0750); err != nil {
			return "", fmt.Errorf("archive: mkdir %s: %w", bucketDir, err)
		}

		name := fmt.Sprintf("%c_%d_%d", j.Priority, e.bucketTime(j), j.JobID)
		terminal := filepath.Join(bucketDir, name)
		err = os.Mkdir(terminal, 0750)
		if err == nil {
			return terminal, nil
		}
		if os.IsExist(err) {
			return terminal, nil
		}
		if isEMLINK(err) {
			continue // bucket filled up between pickBucket and Mkdir; retry with a fresh one
		}
		if errors.Is(err, syscall.ENOSPC) {
			return "", fmt.Errorf("archive: disk full creating %s", terminal)
		}
		return "", fmt.Errorf("archive: mkdir %s: %w", terminal, err)
	}
}

// bucketTime quantizes the job's expiry onto the step grid:
// bucket_time = floor((now + archive_time) / step) * step. Every job
// expiring within the same step window shares a destination name, which is
// what lets an archive-cleanup pass delete whole directories at once.
func (e *Engine) bucketTime(j Job) int64 {
	step := int64(e.stepTime / time.Second)
	return ((time.Now().Unix() + int64(j.ArchiveTime)) / step) * step
}

func (e *Engine) linkMax() int {
	if e.LinkMax > 0 {
		return e.LinkMax
	}
	return LinkMax
}

// pickBucket scans existing numeric-only bucket subdirectories of userDir
// in ascending order and returns the first one whose link count is below
// LinkMax-2, or max+1 if every existing bucket is full. Non-numeric names
// are ignored.
func (e *Engine) pickBucket(userDir string) (int, error) {
	entries, err := os.ReadDir(userDir)
	if err != nil {
		return 0, fmt.Errorf("archive: readdir %s: %w", userDir, err)
	}

	var buckets []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		buckets = append(buckets, n)
	}
	if len(buckets) == 0 {
		return 0, nil
	}
	sortInts(buckets)

	maxBucket := buckets[0]
	for _, n := range buckets {
		if n > maxBucket {
			maxBucket = n
		}
		info, err := os.Stat(filepath.Join(userDir, strconv.Itoa(n)))
		if err != nil {
			continue
		}
		if linkCount(info) < uint64(e.linkMax()-2) {
			return n, nil
		}
	}
	if maxBucket >= e.linkMax()-2 {
		return 0, ErrArchiveFull
	}
	return maxBucket + 1, nil
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
