package squashfs

import (
	"context"
	"io/fs"
	"os"
	"path"
	"strings"
)

// maxSymlinkDepth bounds symlink resolution in FindInode, matching the
// conservative limit most filesystems apply to avoid unbounded loops.
const maxSymlinkDepth = 40

// Open opens the SquashFS image at path and resolves its root inode.
// The returned *Superblock owns the underlying *os.File and must be
// closed with Close() once the caller is done with it.
func Open(path string) (*Superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindIO, "Open", path, err)
	}

	sb, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.closer = f

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)

	return sb, nil
}

// Close releases resources associated with this superblock, including the
// underlying file if it was opened via Open.
func (sb *Superblock) Close() error {
	if sb.closer != nil {
		return sb.closer.Close()
	}
	return nil
}

// Open implements fs.FS, returning a fs.File for the given path. Directories
// returned additionally implement fs.ReadDirFile.
func (sb *Superblock) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	return ino.OpenFile(name), nil
}

// Stat implements fs.StatFS.
func (sb *Superblock) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// ReadDir implements fs.ReadDirFS.
func (sb *Superblock) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := sb.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, ok := f.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}
	return d.ReadDir(-1)
}

// Lstat resolves path without following a trailing symlink, returning
// information about the link itself rather than its target.
func (sb *Superblock) Lstat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, false)
	if err != nil {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: err}
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// FindInode resolves a slash-separated path to its inode, starting from the
// root. When followSymlink is true, a symlink found at the final path
// component is itself resolved (recursively, up to maxSymlinkDepth); when
// false, the symlink inode itself is returned.
func (sb *Superblock) FindInode(name string, followSymlink bool) (*Inode, error) {
	cur := sb.rootIno
	depth := 0

	name = strings.Trim(name, "/")
	if name == "" || name == "." {
		return cur, nil
	}

	parts := strings.Split(name, "/")
	ctx := context.Background()

	for i := 0; i < len(parts); i++ {
		part := parts[i]
		switch part {
		case "", ".":
			continue
		case "..":
			if cur.ParentIno != 0 {
				parent, err := sb.GetInode(uint64(cur.ParentIno))
				if err != nil {
					return nil, err
				}
				cur = parent
			}
			continue
		}

		if !cur.IsDir() {
			return nil, ErrNotDirectory
		}

		next, err := cur.LookupRelativeInode(ctx, part)
		if err != nil {
			return nil, err
		}

		last := i == len(parts)-1
		for next.Type == uint16(SymlinkType) || next.Type == uint16(XSymlinkType) {
			if last && !followSymlink {
				break
			}
			depth++
			if depth > maxSymlinkDepth {
				return nil, ErrTooManySymlinks
			}
			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}
			resolveFrom := cur
			if strings.HasPrefix(string(target), "/") {
				resolveFrom = sb.rootIno
			}
			resolved, err := resolveFrom.LookupRelativeInodePath(ctx, string(target))
			if err != nil {
				return nil, err
			}
			next = resolved
		}

		cur = next
	}

	return cur, nil
}
