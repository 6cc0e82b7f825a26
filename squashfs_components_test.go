package squashfs_test

import (
	"bytes"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/KarpelesLab/squashfs"
)

// TestCompression tests the String() method for compressor identifiers
func TestCompression(t *testing.T) {
	compressionTypes := []squashfs.SquashComp{
		squashfs.GZip,
		squashfs.LZMA,
		squashfs.LZO,
		squashfs.XZ,
		squashfs.LZ4,
		squashfs.ZSTD,
	}

	expectedNames := []string{
		"GZip",
		"LZMA",
		"LZO",
		"XZ",
		"LZ4",
		"ZSTD",
	}

	for i, compType := range compressionTypes {
		if compType.String() != expectedNames[i] {
			t.Errorf("Expected compression type %d name to be %s, got %s",
				compType, expectedNames[i], compType.String())
		}
	}
}

// TestFileOperations tests various file operations against a built image
func TestFileOperations(t *testing.T) {
	sqfs := buildTestImage(t, testTree())

	entries, err := sqfs.ReadDir("dir")
	if err != nil {
		t.Errorf("failed to read directory 'dir': %s", err)
	}
	if len(entries) < 1 {
		t.Errorf("expected at least 1 entry in 'dir', got %d", len(entries))
	}

	for _, entry := range entries {
		name := entry.Name()

		info, err := entry.Info()
		if err != nil {
			t.Errorf("failed to get info for %s: %s", name, err)
		}

		if info.Name() != name {
			t.Errorf("info.Name() returned %s, expected %s", info.Name(), name)
		}

		if info.IsDir() != entry.IsDir() {
			t.Errorf("isDir mismatch for %s: entry.IsDir()=%v, info.IsDir()=%v",
				name, entry.IsDir(), info.IsDir())
		}
	}

	file, err := sqfs.Open("dir/sub.txt")
	if err != nil {
		t.Errorf("failed to open dir/sub.txt: %s", err)
	} else {
		defer file.Close()

		fileInfo, err := file.Stat()
		if err != nil {
			t.Errorf("failed to get stat on open file: %s", err)
		} else if fileInfo.Name() != "sub.txt" {
			t.Errorf("expected filename to be sub.txt, got %s", fileInfo.Name())
		}

		buf := make([]byte, 100)
		n, err := file.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("failed to read from file: %s", err)
		}
		if n == 0 {
			t.Errorf("read 0 bytes from file")
		}
	}

	_, err = sqfs.ReadDir("nonexistent")
	if err == nil {
		t.Errorf("expected error when reading non-existent directory")
	}

	_, err = sqfs.Open("nonexistent/file.txt")
	if err == nil {
		t.Errorf("expected error when opening non-existent file")
	}
}

// TestInodeAttributes tests access to inode attributes
func TestInodeAttributes(t *testing.T) {
	sqfs := buildTestImage(t, testTree())

	ino, err := sqfs.FindInode("dir/sub.txt", false)
	if err != nil {
		t.Errorf("failed to find dir/sub.txt: %s", err)
	} else {
		uid := ino.GetUid()
		gid := ino.GetGid()
		t.Logf("UID: %d, GID: %d", uid, gid)
	}

	fileInfo, err := fs.Stat(sqfs, "dir/sub.txt")
	if err != nil {
		t.Errorf("failed to stat dir/sub.txt: %s", err)
	} else {
		mode := fileInfo.Mode()
		if mode.IsDir() {
			t.Errorf("dir/sub.txt should not be a directory")
		}
		if !mode.IsRegular() {
			t.Errorf("dir/sub.txt should be a regular file")
		}
	}
}

// TestSubFS tests the fs.Sub interface for creating sub-filesystems
func TestSubFS(t *testing.T) {
	sqfs := buildTestImage(t, testTree())

	subFS, err := fs.Sub(sqfs, "dir")
	if err != nil {
		t.Errorf("failed to create sub-filesystem: %s", err)
		return
	}

	data, err := fs.ReadFile(subFS, "sub.txt")
	if err != nil {
		t.Errorf("failed to read sub.txt from sub-filesystem: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from sub.txt in sub-filesystem")
	}

	entries, err := fs.ReadDir(subFS, ".")
	if err != nil {
		t.Errorf("failed to read directory entries from sub-filesystem: %s", err)
	} else if len(entries) == 0 {
		t.Errorf("no entries found in sub-filesystem")
	}

	_, err = fs.ReadFile(subFS, "../hello.txt")
	if err == nil {
		t.Errorf("should not be able to access files outside the sub-filesystem")
	}
}

// TestErrorCases tests various error conditions
func TestErrorCases(t *testing.T) {
	sqfs := buildTestImage(t, testTree())

	_, err := sqfs.Open("..")
	if err == nil {
		t.Errorf("expected error opening invalid path '..'")
	}

	dir, err := sqfs.Open("dir")
	if err != nil {
		t.Errorf("failed to open directory: %s", err)
	} else {
		defer dir.Close()

		buf := make([]byte, 100)
		_, err = dir.Read(buf)
		if err == nil {
			t.Errorf("expected error reading from directory")
		}
	}

	_, err = fs.ReadFile(sqfs, "dir/nonexistent.h")
	if err == nil {
		t.Errorf("expected error reading non-existent file")
	}
}

// TestFileServerCompatibility tests compatibility with http.FileServer
func TestFileServerCompatibility(t *testing.T) {
	sqfs := buildTestImage(t, testTree())

	var fsys fs.FS = sqfs
	var _ fs.StatFS = sqfs

	_, err := fs.Stat(fsys, "dir/sub.txt")
	if err != nil {
		t.Errorf("fs.Stat failed: %s", err)
	}

	_, err = fs.ReadDir(fsys, "dir")
	if err != nil {
		t.Errorf("fs.ReadDir failed: %s", err)
	}

	f, err := fsys.Open("dir/sub.txt")
	if err != nil {
		t.Errorf("Open failed: %s", err)
	} else {
		defer f.Close()

		_, err = f.Stat()
		if err != nil {
			t.Errorf("file.Stat failed: %s", err)
		}

		buf := make([]byte, 100)
		_, err = f.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("file.Read failed: %s", err)
		}

		_, ok := f.(io.ReadSeeker)
		if !ok {
			t.Errorf("file doesn't implement io.ReadSeeker interface")
		}
	}
}

// TestDirectoryReadingPerformance exercises lookups in a directory large
// enough (over 256 entries) that the writer emits directory index entries;
// the reader still finds each name by scanning the listing linearly.
func TestDirectoryReadingPerformance(t *testing.T) {
	tree := fstest.MapFS{}
	for i := 0; i < 600; i++ {
		tree[fileName(i)] = &fstest.MapFile{Data: []byte("x")}
	}
	sqfs := buildTestImage(t, tree)

	for _, name := range []string{fileName(0), fileName(300), fileName(599)} {
		if _, err := fs.Stat(sqfs, name); err != nil {
			t.Errorf("unexpected error accessing %s: %s", name, err)
		}
	}

	if _, err := fs.Stat(sqfs, "nonexistent.txt"); err == nil {
		t.Errorf("expected error accessing nonexistent.txt")
	}
}

// TestSquashFSNew tests creation of a SquashFS reader from an arbitrary ReaderAt
func TestSquashFSNew(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	w.SetSourceFS(testTree())
	if err := fs.WalkDir(testTree(), ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to create SquashFS with New: %s", err)
	}

	data, err := fs.ReadFile(sqfs, "hello.txt")
	if err != nil {
		t.Errorf("failed to read file using New-created SquashFS: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from file")
	}
}
