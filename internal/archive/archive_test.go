package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSrcFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0640))
	return path
}

func TestArchiveFileMaterialisesHostUserBucketTree(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	e := NewEngine(root, 0)

	src := writeSrcFile(t, srcDir, "report.dat")
	dst, err := e.ArchiveFile(src, "report.dat", Job{HostAlias: "host_a", User: "jdoe", Priority: '5', JobID: 1})
	require.NoError(t, err)

	require.FileExists(t, dst)
	require.NoFileExists(t, src)

	rel, err := filepath.Rel(root, dst)
	require.NoError(t, err)
	parts := splitPath(rel)
	require.Equal(t, "host_a", parts[0])
	require.Equal(t, "jdoe", parts[1])
	require.Equal(t, "0", parts[2])
	require.Equal(t, "report.dat", parts[4])
}

func TestArchiveFileEmptyUserBecomesNone(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	e := NewEngine(root, 0)

	src := writeSrcFile(t, srcDir, "a.dat")
	dst, err := e.ArchiveFile(src, "a.dat", Job{HostAlias: "host_b", User: "", Priority: '9', JobID: 2})
	require.NoError(t, err)

	rel, err := filepath.Rel(root, dst)
	require.NoError(t, err)
	require.Equal(t, "none", splitPath(rel)[1])
}

func TestArchiveFileUserSlashStripped(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	e := NewEngine(root, 0)

	src := writeSrcFile(t, srcDir, "a.dat")
	dst, err := e.ArchiveFile(src, "a.dat", Job{HostAlias: "host_c", User: "dom/ain", Priority: '9', JobID: 3})
	require.NoError(t, err)

	rel, err := filepath.Rel(root, dst)
	require.NoError(t, err)
	require.Equal(t, "domain", splitPath(rel)[1])
}

func TestArchiveFileReusesCurrentDirWithinStepTime(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	e := NewEngine(root, 0)
	job := Job{HostAlias: "host_a", User: "jdoe", Priority: '5', JobID: 1}

	src1 := writeSrcFile(t, srcDir, "one.dat")
	dst1, err := e.ArchiveFile(src1, "one.dat", job)
	require.NoError(t, err)

	src2 := writeSrcFile(t, srcDir, "two.dat")
	dst2, err := e.ArchiveFile(src2, "two.dat", job)
	require.NoError(t, err)

	require.Equal(t, filepath.Dir(dst1), filepath.Dir(dst2))
}

func TestArchiveFileQuantizesBucketTime(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	step := 100 * time.Second
	e := NewEngine(root, step)
	job := Job{HostAlias: "host_a", User: "jdoe", Priority: '5', JobID: 7, ArchiveTime: 250}

	before := time.Now().Unix()
	src := writeSrcFile(t, srcDir, "a.dat")
	dst, err := e.ArchiveFile(src, "a.dat", job)
	require.NoError(t, err)
	after := time.Now().Unix()

	// Terminal directory name is <priority>_<bucket_time>_<job_id>.
	terminal := filepath.Base(filepath.Dir(dst))
	parts := strings.SplitN(terminal, "_", 3)
	require.Len(t, parts, 3)
	require.Equal(t, "5", parts[0])
	require.Equal(t, "7", parts[2])

	btime, err := strconv.ParseInt(parts[1], 10, 64)
	require.NoError(t, err)
	stepSecs := int64(step / time.Second)
	require.Zero(t, btime%stepSecs, "bucket_time must sit on the step grid")
	require.GreaterOrEqual(t, btime, (before+250)/stepSecs*stepSecs)
	require.LessOrEqual(t, btime, (after+250)/stepSecs*stepSecs)
}

func TestPickBucketIgnoresNonNumericDirs(t *testing.T) {
	userDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(userDir, "not-a-bucket"), 0750))
	require.NoError(t, os.Mkdir(filepath.Join(userDir, "0"), 0750))

	n, err := NewEngine(t.TempDir(), 0).pickBucket(userDir)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// fillBucket creates a numbered bucket holding enough subdirectories that
// its link count reaches linkMax-2 (a directory's nlink is 2 plus its
// subdirectory count).
func fillBucket(t *testing.T, userDir string, bucket, linkMax int) {
	t.Helper()
	dir := filepath.Join(userDir, fmt.Sprint(bucket))
	require.NoError(t, os.Mkdir(dir, 0750))
	for i := 0; i < linkMax-4; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(dir, fmt.Sprintf("5_%d_%d", i, i)), 0750))
	}
}

func TestPickBucketRotatesWhenBucketFull(t *testing.T) {
	userDir := t.TempDir()
	e := NewEngine(t.TempDir(), 0)
	e.LinkMax = 10

	fillBucket(t, userDir, 0, e.LinkMax)

	n, err := e.pickBucket(userDir)
	require.NoError(t, err)
	require.Equal(t, 1, n, "a full bucket must rotate to a fresh number")
}

func TestPickBucketArchiveFull(t *testing.T) {
	userDir := t.TempDir()
	e := NewEngine(t.TempDir(), 0)
	e.LinkMax = 10

	for b := 0; b <= e.LinkMax-2; b++ {
		fillBucket(t, userDir, b, e.LinkMax)
	}

	_, err := e.pickBucket(userDir)
	require.ErrorIs(t, err, ErrArchiveFull)
}

func splitPath(p string) []string {
	var parts []string
	for {
		dir, file := filepath.Split(p)
		parts = append([]string{file}, parts...)
		if dir == "" {
			break
		}
		p = filepath.Clean(dir)
		if p == "." || p == string(filepath.Separator) {
			break
		}
	}
	return parts
}
