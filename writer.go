package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"runtime"
	"time"
)

// Writer creates SquashFS filesystem images.
// It builds the filesystem structure in memory and streams the final
// image to an io.Writer when Finalize() is called.
//
// The Writer maintains an in-memory representation of the filesystem tree,
// including all inodes, directory structures, and file metadata. When Finalize()
// is called, it performs the following steps:
//  1. Assigns inode numbers level by level, deepest first (children always
//     precede parents, and siblings get contiguous numbers)
//  2. Writes file data blocks, deduplicating identical whole-block runs and
//     packing fragment tails
//  3. Computes directory structures and indices
//  4. Builds the inode table in memory
//  5. Writes the directory, inode, ID, fragment and export tables
//  6. Updates the superblock with final offsets
type Writer struct {
	w      io.Writer
	wa     io.WriterAt   // set if w implements WriterAt
	buf    *bytes.Buffer // used when w doesn't implement WriterAt
	offset uint64        // current write offset

	// Filesystem metadata
	blockSize  uint32
	comp       SquashComp
	compressor Compressor
	modTime    int32
	flags      SquashFlags
	exportable bool
	defaults   FSDefaults
	numWorkers int
	backlog    int

	// In-memory inode tree
	inodes     []*writerInode
	rootInode  *writerInode
	inodeCount uint32
	inodeMap   map[string]*writerInode // path -> inode mapping

	// Data tracking
	idTable map[uint32]uint32 // uid/gid -> index mapping
	idList  []uint32          // ordered list of uid/gid values

	// Default source filesystem (captured by Add() into each inode)
	srcFS fs.FS

	// Block dedup: ordered history of every data block and fragment block
	// actually written to disk, in write order, so a file's whole block run
	// can be matched against an earlier contiguous run (see findBlockRun).
	// Fragment blocks are recorded with hash 0, which no data block matches.
	blockHistory []blockRecord

	// Fragments: partially filled fragment blocks waiting to be flushed,
	// and the table of already-written fragment blocks.
	fragBuf         bytes.Buffer
	fragEntries     []fragmentEntry
	fragDedup       map[uint64]uint32 // crc32/size of fragment tail -> fragment index
	fragDedupOffset map[uint64]uint32 // crc32/size of fragment tail -> offset within that fragment block

	// Table positions (filled during Finalize)
	idTableStart     uint64
	inodeTableStart  uint64
	dirTableStart    uint64
	fragTableStart   uint64
	exportTableStart uint64
	bytesUsed        uint64

	// Pre-compressed directory blocks (computed during inode table building)
	precompressedDirBlocks [][]byte

	// Superblock instance (populated during Finalize)
	sb Superblock
}

// blockRecord is one entry in the writer's history of already-written
// full-size data blocks: its on-disk offset and its dedup hash.
type blockRecord struct {
	offset  uint64
	sizeRaw uint32 // on-disk size, with the uncompressed-flag bit as stored on disk
	hash    uint64
}

// preparedBlock is a data block that has been compressed (so its final
// on-disk size and dedup hash are known) but not necessarily written yet.
type preparedBlock struct {
	toWrite []byte
	sizeRaw uint32
	hash    uint64
}

// fragmentEntry is a fully-packed fragment block awaiting the fragment table.
type fragmentEntry struct {
	start   uint64
	sizeRaw uint32
}

// writerInode represents an inode being built in memory.
// Each inode corresponds to a file, directory, symlink, or special file
// in the filesystem. The inode contains metadata and references to the
// actual data (for files) or directory entries (for directories).
type writerInode struct {
	path string
	name string
	ino  uint32

	// File metadata
	mode      fs.FileMode
	size      uint64
	modTime   int64
	uid       uint32
	gid       uint32
	nlink     uint32
	fileType  Type
	symTarget string // symlink target path
	rdev      uint32 // device node major/minor, Linux encoding

	// Source filesystem for reading file data
	srcFS fs.FS

	// For directories
	entries []*writerInode
	parent  *writerInode

	// Directory table info (computed during inode table building)
	dirOffset uint32          // offset in directory table
	dirIndex  []DirIndexEntry // directory index for large directories (XDirType only)
	dirData   []byte          // serialized directory data

	// File data info (filled during writeFileData)
	dataBlocks []uint32 // block sizes for file data (with compression flag in high bit)
	startBlock uint64   // start position of file data in the image

	// Fragment info, used when the file's tail is packed into a shared block
	fragBlock uint32 // index into the fragment table, 0xFFFFFFFF if none
	fragOfft  uint32 // offset of this file's tail within the fragment block

	// Inode table info (computed during inode position calculation)
	inodeBlockStart uint32 // byte offset from inode table start to this inode's metadata block
	inodeOffset     uint32 // offset within the metadata block
}

// WriterOption configures a Writer
type WriterOption func(*Writer) error

// WithBlockSize sets the block size for the filesystem (default: 131072)
func WithBlockSize(size uint32) WriterOption {
	return func(w *Writer) error {
		w.blockSize = size
		return nil
	}
}

// WithCompression sets the compression type (default: GZip)
func WithCompression(comp SquashComp) WriterOption {
	return func(w *Writer) error {
		return w.SetCompression(comp)
	}
}

// WithModTime sets the filesystem modification time (default: current time)
func WithModTime(t time.Time) WriterOption {
	return func(w *Writer) error {
		w.modTime = int32(t.Unix())
		return nil
	}
}

// FSDefaults overrides permission bits and ownership for every inode added
// through Add, mirroring squashfs-tools-ng's fstree "defaults" grammar
// (mode=0755,uid=0,gid=0) for trees built straight from a source directory
// rather than from a manifest. A nil field leaves that attribute as reported
// by the source filesystem. Mode is a raw unix permission value (0-07777,
// matching S_ISUID|S_ISGID|S_ISVTX plus the low 9 permission bits), not an
// fs.FileMode - UnixToMode handles the bit layout difference.
type FSDefaults struct {
	Mode *uint32
	UID  *uint32
	GID  *uint32
}

// WithDefaults sets the fstree defaults applied to every inode added after
// this option is processed (default: none, attributes come from the source
// filesystem's stat data).
func WithDefaults(d FSDefaults) WriterOption {
	return func(w *Writer) error {
		w.defaults = d
		return nil
	}
}

// WithNumWorkers sets how many goroutines compress data blocks concurrently
// during Finalize (default: runtime.NumCPU()). Output is byte-exact
// regardless of worker count: compression results are drained back in
// submission order, never completion order.
func WithNumWorkers(n int) WriterOption {
	return func(w *Writer) error {
		if n < 1 {
			n = 1
		}
		w.numWorkers = n
		return nil
	}
}

// WithBacklog bounds how many submitted-but-undrained blocks the
// compression pipeline may hold in flight at once (default: 2*numWorkers).
func WithBacklog(n int) WriterOption {
	return func(w *Writer) error {
		w.backlog = n
		return nil
	}
}

// WithExportable enables writing the NFS export table, letting the image be
// looked up by inode number as well as by path.
func WithExportable(v bool) WriterOption {
	return func(w *Writer) error {
		w.exportable = v
		if v {
			w.flags |= EXPORTABLE
		} else {
			w.flags &^= EXPORTABLE
		}
		return nil
	}
}

// NewWriter creates a new SquashFS writer that will write to w.
// The filesystem is built in memory and written when Finalize() is called.
//
// If w implements io.WriterAt, the writer will write a blank superblock
// initially and update it at the end. Otherwise, it will buffer everything
// in memory and write it all at once when Finalize() is called.
func NewWriter(w io.Writer, opts ...WriterOption) (*Writer, error) {
	writer := &Writer{
		w:               w,
		blockSize:       131072, // 128KB default
		comp:            GZip,
		modTime:         int32(time.Now().Unix()),
		idTable:         make(map[uint32]uint32),
		inodes:          make([]*writerInode, 0),
		inodeMap:        make(map[string]*writerInode),
		fragDedup:       make(map[uint64]uint32),
		fragDedupOffset: make(map[uint64]uint32),
		numWorkers:      runtime.NumCPU(),
		backlog:         -1, // resolved to 2*numWorkers below once options are applied
	}

	compressor, err := NewCompressor(writer.comp)
	if err != nil {
		return nil, err
	}
	writer.compressor = compressor

	// Check if writer supports WriterAt
	if wa, ok := w.(io.WriterAt); ok {
		writer.wa = wa
		writer.offset = SuperblockSize // start after superblock
	} else {
		// Use internal buffer - pre-allocate superblock space
		writer.buf = &bytes.Buffer{}
		// Write blank superblock placeholder
		writer.buf.Write(make([]byte, SuperblockSize))
		writer.offset = SuperblockSize
	}

	// Create root inode
	writer.rootInode = &writerInode{
		path:     "",
		name:     "",
		mode:     fs.ModeDir | 0755,
		modTime:  time.Now().Unix(),
		uid:      0,
		gid:      0,
		nlink:    2,
		fileType: DirType,
		entries:  make([]*writerInode, 0),
	}
	writer.inodes = append(writer.inodes, writer.rootInode)

	// Apply options
	for _, opt := range opts {
		if err := opt(writer); err != nil {
			return nil, err
		}
	}

	if writer.backlog <= 0 {
		writer.backlog = 2 * writer.numWorkers
	}

	// fstree defaults apply to the root directory too, not just entries
	// discovered later through Add.
	if writer.defaults.Mode != nil {
		writer.rootInode.mode = writer.rootInode.mode&fs.ModeType | UnixToMode(*writer.defaults.Mode)
	}
	if writer.defaults.UID != nil {
		writer.rootInode.uid = *writer.defaults.UID
	}
	if writer.defaults.GID != nil {
		writer.rootInode.gid = *writer.defaults.GID
	}

	return writer, nil
}

// SetCompression sets the compression algorithm to use when writing the filesystem.
// This can be called at any time before Finalize() is called.
// The compression affects metadata blocks and data blocks.
func (w *Writer) SetCompression(comp SquashComp) error {
	c, err := NewCompressor(comp)
	if err != nil {
		return err
	}
	w.comp = comp
	w.compressor = c
	return nil
}

// SetSourceFS sets the default source filesystem to read file data from.
// This filesystem will be used for subsequent Add() calls.
// You can call SetSourceFS() multiple times to add files from different filesystems.
func (w *Writer) SetSourceFS(srcFS fs.FS) {
	w.srcFS = srcFS
}

// Add adds a file or directory to the filesystem.
// This method is compatible with fs.WalkDirFunc, allowing it to be used directly
// with fs.WalkDir:
//
//	err := fs.WalkDir(srcFS, ".", writer.Add)
//
// The actual file data is not written until Finalize() is called.
func (w *Writer) Add(path string, d fs.DirEntry, err error) error {
	if err != nil {
		return err
	}

	// Skip root (already created)
	if path == "." || path == "" {
		w.inodeMap["."] = w.rootInode
		w.inodeMap[""] = w.rootInode
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return err
	}

	inode := &writerInode{
		path:    path,
		name:    info.Name(),
		mode:    info.Mode(),
		size:    uint64(info.Size()),
		modTime: info.ModTime().Unix(),
		nlink:   1,
		srcFS:   w.srcFS, // Capture current source filesystem
	}

	// Extract uid/gid/rdev from info.Sys() if available
	inode.uid, inode.gid, inode.rdev = statInfo(info)

	// Apply fstree defaults, if set: only permission bits are overridden,
	// never the file-type bits info.Mode() already determined.
	if w.defaults.Mode != nil {
		inode.mode = inode.mode&fs.ModeType | UnixToMode(*w.defaults.Mode)
	}
	if w.defaults.UID != nil {
		inode.uid = *w.defaults.UID
	}
	if w.defaults.GID != nil {
		inode.gid = *w.defaults.GID
	}

	// Determine inode type
	switch {
	case info.Mode().IsDir():
		inode.fileType = DirType
		inode.entries = make([]*writerInode, 0)
		inode.nlink = 2
	case info.Mode().IsRegular():
		inode.fileType = FileType
	case info.Mode()&fs.ModeSymlink != 0:
		inode.fileType = SymlinkType
		// Read symlink target
		if inode.srcFS != nil {
			rl, ok := inode.srcFS.(interface {
				ReadLink(name string) (string, error)
			})
			if !ok {
				return fmt.Errorf("failed to read symlink %s: source filesystem cannot read links", path)
			}
			target, err := rl.ReadLink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			inode.symTarget = target
			inode.size = uint64(len(target))
		}
	case info.Mode()&fs.ModeCharDevice != 0:
		inode.fileType = CharDevType
	case info.Mode()&fs.ModeDevice != 0:
		inode.fileType = BlockDevType
	case info.Mode()&fs.ModeNamedPipe != 0:
		inode.fileType = FifoType
	case info.Mode()&fs.ModeSocket != 0:
		inode.fileType = SocketType
	default:
		// Unknown type, treat as regular file
		inode.fileType = FileType
	}

	// Add to inode list and map
	w.inodes = append(w.inodes, inode)
	w.inodeMap[path] = inode

	// Build directory tree structure
	parentPath := getParentPath(path)
	parent := w.inodeMap[parentPath]
	if parent == nil {
		// Parent doesn't exist, shouldn't happen with WalkDir
		return fmt.Errorf("parent directory not found for %s", path)
	}

	inode.parent = parent
	parent.entries = append(parent.entries, inode)

	return nil
}

// getParentPath returns the parent directory path
func getParentPath(path string) string {
	if path == "" || path == "." {
		return ""
	}
	// Find last slash
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "."
			}
			return path[:i]
		}
	}
	return "."
}

// write writes data to the current offset and advances the offset.
func (w *Writer) write(data []byte) error {
	if w.wa != nil {
		// Use WriterAt
		_, err := w.wa.WriteAt(data, int64(w.offset))
		if err != nil {
			return err
		}
	} else {
		// Use buffer
		_, err := w.buf.Write(data)
		if err != nil {
			return err
		}
	}
	w.offset += uint64(len(data))
	return nil
}

// compress runs the writer's configured codec over data, returning the
// compressed bytes only when they are smaller - mirroring the on-disk
// convention where blocks that don't compress are stored raw.
func (w *Writer) compress(data []byte) []byte {
	out, ok, err := w.compressor.Compress(data)
	if err != nil || !ok {
		return nil
	}
	return out
}

// assignInodeNumbers numbers every inode by level, deepest level first: all
// nodes at depth D receive smaller numbers than any node at depth D-1, and
// siblings (nodes sharing a direct parent) always receive contiguous
// numbers, since each level is built by walking the previous level in order
// and appending every node's children as one contiguous run. Root (depth 0)
// is numbered last and so always receives the largest number of all.
//
// A naive post-order walk (number a subtree's descendants, then the
// subtree's own root, before moving to the next sibling) satisfies
// "children precede their parent" but not "siblings are contiguous": for
// root{a{a_a,a_b,a_c}, b{...}, c{...}} it would number a=4, b=8, c=12,
// leaving gaps. Processing strictly level-by-level avoids that.
func (w *Writer) assignInodeNumbers() {
	levels := [][]*writerInode{{w.rootInode}}
	for {
		cur := levels[len(levels)-1]
		var next []*writerInode
		for _, n := range cur {
			next = append(next, n.entries...)
		}
		if len(next) == 0 {
			break
		}
		levels = append(levels, next)
	}

	var counter uint32
	for d := len(levels) - 1; d >= 0; d-- {
		for _, n := range levels[d] {
			counter++
			n.ino = counter
		}
	}

	w.inodeCount = counter

	ordered := make([]*writerInode, counter)
	for _, ino := range w.inodes {
		ordered[ino.ino-1] = ino
	}
	w.inodes = ordered
}

// buildIDTable builds the unique UID/GID table and returns it
func (w *Writer) buildIDTable() error {
	// Collect all unique UIDs and GIDs
	seen := make(map[uint32]bool)
	w.idList = make([]uint32, 0)

	for _, inode := range w.inodes {
		if !seen[inode.uid] {
			seen[inode.uid] = true
			w.idList = append(w.idList, inode.uid)
		}
		if !seen[inode.gid] {
			seen[inode.gid] = true
			w.idList = append(w.idList, inode.gid)
		}
	}

	if len(w.idList) > 65536 {
		return ErrTooManyIDs
	}

	// Build index map
	for i, id := range w.idList {
		w.idTable[id] = uint32(i)
	}

	return nil
}

// writeMetadataBlock writes a metadata block with optional compression
// Returns the offset where the block was written
func (w *Writer) writeMetadataBlock(data []byte) (uint64, error) {
	blockStart := w.offset

	compressed := w.compress(data)
	if compressed == nil {
		// Compression failed or didn't save space - write uncompressed
		header := make([]byte, 2)
		binary.LittleEndian.PutUint16(header, uint16(len(data))|0x8000) // 0x8000 = uncompressed flag
		if err := w.write(header); err != nil {
			return 0, err
		}
		if err := w.write(data); err != nil {
			return 0, err
		}
	} else {
		// Write compressed
		header := make([]byte, 2)
		binary.LittleEndian.PutUint16(header, uint16(len(compressed)))
		if err := w.write(header); err != nil {
			return 0, err
		}
		if err := w.write(compressed); err != nil {
			return 0, err
		}
	}

	return blockStart, nil
}

// writeIDTable writes the UID/GID table using indirect table format
func (w *Writer) writeIDTable() error {
	// Build ID data
	idData := make([]byte, len(w.idList)*4)
	for i, id := range w.idList {
		binary.LittleEndian.PutUint32(idData[i*4:], id)
	}

	// Write the metadata block containing the ID data
	metadataBlockStart, err := w.writeMetadataBlock(idData)
	if err != nil {
		return err
	}

	// Now write the indirect table (array of pointers)
	w.idTableStart = w.offset

	// Single uint64 pointer to the metadata block
	pointer := make([]byte, 8)
	binary.LittleEndian.PutUint64(pointer, metadataBlockStart)
	return w.write(pointer)
}

// writeFragmentTable writes the 16-byte-per-entry fragment table, using the
// same indirect-block-of-pointers layout as the ID table.
func (w *Writer) writeFragmentTable() error {
	if len(w.fragEntries) == 0 {
		w.fragTableStart = 0xFFFFFFFFFFFFFFFF
		return nil
	}

	data := &bytes.Buffer{}
	for _, e := range w.fragEntries {
		binary.Write(data, binary.LittleEndian, e.start)
		binary.Write(data, binary.LittleEndian, e.sizeRaw)
		binary.Write(data, binary.LittleEndian, uint32(0)) // unused/pad
	}

	metaStart, err := w.writeMetadataBlock(data.Bytes())
	if err != nil {
		return err
	}

	w.fragTableStart = w.offset
	pointer := make([]byte, 8)
	binary.LittleEndian.PutUint64(pointer, metaStart)
	return w.write(pointer)
}

// writeExportTable writes the inode-number -> inode-ref lookup table used
// for NFS export support, one 64-bit inodeRef per inode ordered by inode
// number.
func (w *Writer) writeExportTable() error {
	if !w.exportable {
		w.exportTableStart = 0xFFFFFFFFFFFFFFFF
		return nil
	}

	data := &bytes.Buffer{}
	for _, ino := range w.inodes {
		ref := uint64(ino.inodeBlockStart)<<16 | uint64(ino.inodeOffset)
		binary.Write(data, binary.LittleEndian, ref)
	}

	metaStart, err := w.writeMetadataBlock(data.Bytes())
	if err != nil {
		return err
	}

	w.exportTableStart = w.offset
	pointer := make([]byte, 8)
	binary.LittleEndian.PutUint64(pointer, metaStart)
	return w.write(pointer)
}

// writeBinary is a helper that writes to a buffer and checks for errors
func writeBinary(buf *bytes.Buffer, order binary.ByteOrder, data interface{}) error {
	return binary.Write(buf, order, data)
}

// serializeInode serializes an inode of any type to bytes
func (w *Writer) serializeInode(ino *writerInode) ([]byte, error) {
	buf := &bytes.Buffer{}
	order := binary.LittleEndian

	// Common inode header
	if err := writeBinary(buf, order, ino.fileType); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, uint16(ino.mode&0777)); err != nil {
		return nil, err
	}

	// Get UID/GID indices
	uidIdx := w.idTable[ino.uid]
	gidIdx := w.idTable[ino.gid]
	if err := writeBinary(buf, order, uint16(uidIdx)); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, uint16(gidIdx)); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, int32(ino.modTime)); err != nil {
		return nil, err
	}
	if err := writeBinary(buf, order, ino.ino); err != nil {
		return nil, err
	}

	// dirStart is the byte offset, from the directory table start, of the
	// metadata block holding the start of this directory's listing.
	dirStart := uint32(0)
	for k := 0; k < int(ino.dirOffset/maxMetadataBlockSize) && k < len(w.precompressedDirBlocks); k++ {
		dirStart += uint32(len(w.precompressedDirBlocks[k]))
	}

	// Type-specific data
	switch ino.fileType {
	case DirType: // Basic Directory
		// start_block - block offset from directory table start (0 for first block)
		if err := writeBinary(buf, order, dirStart); err != nil {
			return nil, err
		}
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// file_size - directory size
		if err := writeBinary(buf, order, uint16(ino.size)); err != nil {
			return nil, err
		}
		// offset - offset within the uncompressed block
		if err := writeBinary(buf, order, uint16(ino.dirOffset%maxMetadataBlockSize)); err != nil {
			return nil, err
		}
		// parent_inode - inode number of parent directory
		parentIno := uint32(1) // root by default
		if ino.parent != nil {
			parentIno = ino.parent.ino
		}
		if err := writeBinary(buf, order, parentIno); err != nil {
			return nil, err
		}
	case XDirType: // Extended Directory with index
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// file_size - directory size (32-bit)
		if err := writeBinary(buf, order, uint32(ino.size)); err != nil {
			return nil, err
		}
		// start_block - block offset from directory table start
		if err := writeBinary(buf, order, dirStart); err != nil {
			return nil, err
		}
		// parent_inode - inode number of parent directory
		parentIno := uint32(1) // root by default
		if ino.parent != nil {
			parentIno = ino.parent.ino
		}
		if err := writeBinary(buf, order, parentIno); err != nil {
			return nil, err
		}
		// index_count - number of index entries
		if err := writeBinary(buf, order, uint16(len(ino.dirIndex))); err != nil {
			return nil, err
		}
		// offset - offset within the uncompressed block
		if err := writeBinary(buf, order, uint16(ino.dirOffset%maxMetadataBlockSize)); err != nil {
			return nil, err
		}
		// xattr_idx
		if err := writeBinary(buf, order, uint32(0xFFFFFFFF)); err != nil {
			return nil, err
		}
		// directory index entries
		for _, idx := range ino.dirIndex {
			// index - position in directory listing
			if err := writeBinary(buf, order, idx.Index); err != nil {
				return nil, err
			}
			// start - directory table block offset
			if err := writeBinary(buf, order, idx.Start); err != nil {
				return nil, err
			}
			// size - length of name minus 1
			if err := writeBinary(buf, order, uint32(len(idx.Name)-1)); err != nil {
				return nil, err
			}
			// name
			if err := writeBinary(buf, order, []byte(idx.Name)); err != nil {
				return nil, err
			}
		}
	case FileType: // Basic File
		// start_block - absolute position of first data block
		if err := writeBinary(buf, order, uint32(ino.startBlock)); err != nil {
			return nil, err
		}
		// fragment - fragment index (0xFFFFFFFF = no fragment)
		if err := writeBinary(buf, order, ino.fragBlock); err != nil {
			return nil, err
		}
		// offset - offset within fragment (unused if no fragment)
		if err := writeBinary(buf, order, ino.fragOfft); err != nil {
			return nil, err
		}
		// file_size
		if err := writeBinary(buf, order, uint32(ino.size)); err != nil {
			return nil, err
		}
		// block_list - array of block sizes
		for _, blockSize := range ino.dataBlocks {
			if err := writeBinary(buf, order, blockSize); err != nil {
				return nil, err
			}
		}
	case SymlinkType: // Basic Symlink
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// symlink_size - length of target path
		if err := writeBinary(buf, order, uint32(len(ino.symTarget))); err != nil {
			return nil, err
		}
		// symlink - target path
		if err := writeBinary(buf, order, []byte(ino.symTarget)); err != nil {
			return nil, err
		}
	case CharDevType, BlockDevType: // Device nodes
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
		// rdev - device number (major/minor)
		if err := writeBinary(buf, order, ino.rdev); err != nil {
			return nil, err
		}
	case FifoType, SocketType: // Named pipes and sockets
		// nlink
		if err := writeBinary(buf, order, ino.nlink); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported inode type %d", ino.fileType)
	}

	return buf.Bytes(), nil
}

const (
	maxMetadataBlockSize = 8192 // SquashFS metadata block size
	indexInterval        = 256  // Directory index interval
)

// inodePosition tracks where an inode is located in the metadata blocks
type inodePosition struct {
	blockNum int    // which metadata block (0, 1, 2, ...)
	offset   uint32 // offset within that block
}

// buildDirectoryEntryData builds directory entry data for an inode
func (w *Writer) buildDirectoryEntryData(inode *writerInode, inodePos map[uint32]inodePosition, blockPositions []uint32) ([]byte, error) {
	if inode.fileType != DirType && inode.fileType != XDirType {
		return nil, nil
	}

	dirBuf := &bytes.Buffer{}
	order := binary.LittleEndian

	if len(inode.entries) == 0 {
		// Empty directory
		if err := writeBinary(dirBuf, order, uint32(0)); err != nil {
			return nil, err
		}
		if err := writeBinary(dirBuf, order, uint32(0)); err != nil {
			return nil, err
		}
		if err := writeBinary(dirBuf, order, inode.ino); err != nil {
			return nil, err
		}
		return dirBuf.Bytes(), nil
	}

	// Reset directory index for XDirType
	if inode.fileType == XDirType {
		inode.dirIndex = make([]DirIndexEntry, 0)
	}

	// Build chunks
	entryIdx := 0
	for entryIdx < len(inode.entries) {
		chunkStart := entryIdx
		firstEntryBlock := inodePos[inode.entries[chunkStart].ino].blockNum

		// Find end of chunk: stop at block boundary or 256 entries
		chunkEnd := chunkStart
		for chunkEnd < len(inode.entries) &&
			(chunkEnd-chunkStart) < indexInterval &&
			inodePos[inode.entries[chunkEnd].ino].blockNum == firstEntryBlock {
			chunkEnd++
		}

		chunkEntries := inode.entries[chunkStart:chunkEnd]

		// Add directory index entry for XDirType
		if inode.fileType == XDirType {
			inode.dirIndex = append(inode.dirIndex, DirIndexEntry{
				Index: uint32(dirBuf.Len()),
				Start: 0, // Will be set in computeDirectoryTableOffsets
				Name:  chunkEntries[0].name,
			})
		}

		// Write chunk header
		if err := writeBinary(dirBuf, order, uint32(len(chunkEntries)-1)); err != nil {
			return nil, err
		}

		// Write block position (from blockPositions if available)
		blockPos := uint32(0)
		if blockPositions != nil && firstEntryBlock < len(blockPositions) {
			blockPos = blockPositions[firstEntryBlock]
		}
		if err := writeBinary(dirBuf, order, blockPos); err != nil {
			return nil, err
		}

		if err := writeBinary(dirBuf, order, chunkEntries[0].ino); err != nil {
			return nil, err
		}

		// Write entries
		for _, entry := range chunkEntries {
			if err := writeBinary(dirBuf, order, uint16(inodePos[entry.ino].offset)); err != nil {
				return nil, err
			}
			if err := writeBinary(dirBuf, order, int16(entry.ino)-int16(chunkEntries[0].ino)); err != nil {
				return nil, err
			}
			if err := writeBinary(dirBuf, order, entry.fileType); err != nil {
				return nil, err
			}
			if err := writeBinary(dirBuf, order, uint16(len(entry.name)-1)); err != nil {
				return nil, err
			}
			if err := writeBinary(dirBuf, order, []byte(entry.name)); err != nil {
				return nil, err
			}
		}

		entryIdx = chunkEnd
	}

	return dirBuf.Bytes(), nil
}

// computeInodePositions determines which metadata block each inode will be in
// Returns a map of inode number to position (block number and offset within block)
func (w *Writer) computeInodePositions() (map[uint32]inodePosition, error) {
	inodePos := make(map[uint32]inodePosition)
	currentBlock := 0
	blockBuf := &bytes.Buffer{}

	for _, ino := range w.inodes {
		data, err := w.serializeInode(ino)
		if err != nil {
			return nil, err
		}

		// Start new block if current one would overflow
		if blockBuf.Len() > 0 && blockBuf.Len()+len(data) > maxMetadataBlockSize {
			currentBlock++
			blockBuf.Reset()
		}

		inodePos[ino.ino] = inodePosition{
			blockNum: currentBlock,
			offset:   uint32(blockBuf.Len()),
		}

		blockBuf.Write(data)
	}

	return inodePos, nil
}

// computeBlockPositions calculates the byte offsets of each metadata block after compression
func (w *Writer) computeBlockPositions() ([]uint32, error) {
	tempBuf := &bytes.Buffer{}
	blockBuf := &bytes.Buffer{}
	blockPositions := []uint32{0}

	for _, ino := range w.inodes {
		data, err := w.serializeInode(ino)
		if err != nil {
			return nil, err
		}

		if blockBuf.Len() > 0 && blockBuf.Len()+len(data) > maxMetadataBlockSize {
			blockData := blockBuf.Bytes()
			compressed := w.compress(blockData)

			var blockSize int
			if compressed != nil {
				blockSize = 2 + len(compressed)
			} else {
				blockSize = 2 + len(blockData)
			}

			tempBuf.Write(make([]byte, blockSize))
			blockPositions = append(blockPositions, uint32(tempBuf.Len()))
			blockBuf.Reset()
		}

		blockBuf.Write(data)
	}

	return blockPositions, nil
}

// serializeInodesToBuffer writes all inodes as compressed metadata blocks
func (w *Writer) serializeInodesToBuffer() ([]byte, error) {
	result := &bytes.Buffer{}
	blockBuf := &bytes.Buffer{}

	for _, ino := range w.inodes {
		data, err := w.serializeInode(ino)
		if err != nil {
			return nil, err
		}

		if blockBuf.Len() > 0 && blockBuf.Len()+len(data) > maxMetadataBlockSize {
			if err := w.writeCompressedMetadataBlock(result, blockBuf.Bytes()); err != nil {
				return nil, err
			}
			blockBuf.Reset()
		}

		blockBuf.Write(data)
	}

	// Write final block
	if blockBuf.Len() > 0 {
		if err := w.writeCompressedMetadataBlock(result, blockBuf.Bytes()); err != nil {
			return nil, err
		}
	}

	return result.Bytes(), nil
}

// writeCompressedMetadataBlock compresses and writes a metadata block to the buffer
func (w *Writer) writeCompressedMetadataBlock(buf *bytes.Buffer, blockData []byte) error {
	compressed := w.compress(blockData)

	header := make([]byte, 2)
	if compressed != nil {
		// Write compressed
		binary.LittleEndian.PutUint16(header, uint16(len(compressed)))
		buf.Write(header)
		buf.Write(compressed)
	} else {
		// Write uncompressed
		binary.LittleEndian.PutUint16(header, uint16(len(blockData))|0x8000)
		buf.Write(header)
		buf.Write(blockData)
	}

	return nil
}

// simulateDirectoryIndices simulates building directory data to compute Index values for XDirType
func (w *Writer) simulateDirectoryIndices(inodePos map[uint32]inodePosition) error {
	order := binary.LittleEndian

	for _, inode := range w.inodes {
		if inode.fileType != XDirType || len(inodePos) == 0 {
			continue
		}

		dirBuf := &bytes.Buffer{}
		inode.dirIndex = make([]DirIndexEntry, 0)

		entryIdx := 0
		for entryIdx < len(inode.entries) {
			chunkStart := entryIdx
			firstEntryBlock := inodePos[inode.entries[chunkStart].ino].blockNum

			chunkEnd := chunkStart
			for chunkEnd < len(inode.entries) &&
				(chunkEnd-chunkStart) < indexInterval &&
				inodePos[inode.entries[chunkEnd].ino].blockNum == firstEntryBlock {
				chunkEnd++
			}

			chunk := inode.entries[chunkStart:chunkEnd]

			inode.dirIndex = append(inode.dirIndex, DirIndexEntry{
				Index: uint32(dirBuf.Len()),
				Start: 0,
				Name:  chunk[0].name,
			})

			// Simulate writing the chunk to advance the position
			if err := writeBinary(dirBuf, order, uint32(len(chunk)-1)); err != nil {
				return err
			}
			if err := writeBinary(dirBuf, order, uint32(0)); err != nil {
				return err
			}
			if err := writeBinary(dirBuf, order, chunk[0].ino); err != nil {
				return err
			}
			for _, entry := range chunk {
				if err := writeBinary(dirBuf, order, uint16(0)); err != nil {
					return err
				}
				if err := writeBinary(dirBuf, order, int16(entry.ino)-int16(chunk[0].ino)); err != nil {
					return err
				}
				if err := writeBinary(dirBuf, order, entry.fileType); err != nil {
					return err
				}
				if err := writeBinary(dirBuf, order, uint16(len(entry.name)-1)); err != nil {
					return err
				}
				if err := writeBinary(dirBuf, order, []byte(entry.name)); err != nil {
					return err
				}
			}

			entryIdx = chunkEnd
		}
	}

	return nil
}

// inodePositionsEqual checks if two inode position maps are equal
func (w *Writer) inodePositionsEqual(a, b map[uint32]inodePosition) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// buildDirectoryDataForAllInodes builds directory data for all directory inodes
func (w *Writer) buildDirectoryDataForAllInodes(inodePos map[uint32]inodePosition, blockPositions []uint32) error {
	globalDirOffset := uint32(0)

	for _, inode := range w.inodes {
		if inode.fileType != DirType && inode.fileType != XDirType {
			continue
		}

		inode.dirOffset = globalDirOffset
		dirData, err := w.buildDirectoryEntryData(inode, inodePos, blockPositions)
		if err != nil {
			return err
		}

		inode.dirData = dirData
		inode.size = uint64(len(dirData))
		globalDirOffset += uint32(len(dirData))
	}

	return nil
}

// blockPositionsEqual checks if two block position slices are equal
func (w *Writer) blockPositionsEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rebuildDirectoryDataWithBlockPositions rebuilds directory data with updated block positions
// and validates that directory sizes remain unchanged
func (w *Writer) rebuildDirectoryDataWithBlockPositions(inodePos map[uint32]inodePosition, blockPositions []uint32) error {
	globalDirOffset := uint32(0)

	for _, inode := range w.inodes {
		if inode.fileType != DirType && inode.fileType != XDirType {
			continue
		}

		oldSize := inode.size
		inode.dirOffset = globalDirOffset

		dirData, err := w.buildDirectoryEntryData(inode, inodePos, blockPositions)
		if err != nil {
			return err
		}

		inode.dirData = dirData
		newSize := uint64(len(dirData))
		inode.size = newSize

		// Validate size hasn't changed
		if oldSize != 0 && oldSize != newSize {
			return fmt.Errorf("directory size changed from %d to %d for inode %d", oldSize, newSize, inode.ino)
		}

		globalDirOffset += uint32(len(dirData))
	}

	return nil
}

// buildInodeTableToBuffer builds the complete inode table in a buffer,
// computing and recording inode positions and directory offsets.
//
// This function performs multiple passes:
// 1. Compute inode positions (which metadata block each inode is in)
// 2. Build initial directory data
// 3. Iteratively compute block positions and rebuild directory data until convergence
// 4. Serialize final inodes to buffer
func (w *Writer) buildInodeTableToBuffer() ([]byte, error) {
	// PASS 1: Iteratively determine inode positions
	// (Iteration needed because dirIndex size depends on chunk boundaries)
	var inodePos map[uint32]inodePosition

	// Clear directory data temporarily
	for _, ino := range w.inodes {
		if ino.fileType == DirType || ino.fileType == XDirType {
			ino.size = 0
			ino.dirOffset = 0
			if ino.fileType == XDirType {
				ino.dirIndex = nil
			}
		}
	}

	// Iterate until inode positions stabilize
	maxIterations := 10
	for iteration := 0; iteration < maxIterations; iteration++ {
		prevInodePos := make(map[uint32]inodePosition)
		for k, v := range inodePos {
			prevInodePos[k] = v
		}

		// Pre-allocate dirIndex entries for XDirType based on current inode positions
		if err := w.simulateDirectoryIndices(inodePos); err != nil {
			return nil, err
		}

		// Compute inode positions
		var err error
		inodePos, err = w.computeInodePositions()
		if err != nil {
			return nil, err
		}

		// Check if positions have stabilized
		if iteration > 0 && w.inodePositionsEqual(prevInodePos, inodePos) {
			break
		}

		if iteration == maxIterations-1 {
			return nil, fmt.Errorf("failed to converge inode positions after %d iterations", maxIterations)
		}
	}

	// PASS 2: Build initial directory data using inode block numbers (without block positions)
	if err := w.buildDirectoryDataForAllInodes(inodePos, nil); err != nil {
		return nil, err
	}

	// PASS 3+4: Iterate until blockPositions converges
	// Because compression may be non-deterministic, we need to rebuild directory data
	// and recalculate blockPositions until they stabilize
	var blockPositions []uint32
	maxDirIterations := 10

	for dirIter := 0; dirIter < maxDirIterations; dirIter++ {
		// Compute directory table offsets for DirIndexEntry.Start fields
		// (Must be done before computing block positions so Start values are correct)
		if err := w.computeDirectoryTableOffsets(); err != nil {
			return nil, err
		}

		// PASS 3: Calculate block positions after compression
		newBlockPositions, err := w.computeBlockPositions()
		if err != nil {
			return nil, err
		}

		// Check if converged
		if dirIter > 0 && w.blockPositionsEqual(blockPositions, newBlockPositions) {
			blockPositions = newBlockPositions
			break
		}

		blockPositions = newBlockPositions

		if dirIter == maxDirIterations-1 {
			return nil, fmt.Errorf("blockPositions failed to converge after %d iterations", maxDirIterations)
		}

		// PASS 4: Rebuild directory data with new block positions
		if err := w.rebuildDirectoryDataWithBlockPositions(inodePos, blockPositions); err != nil {
			return nil, err
		}
	}

	// PASS 5: Serialize inodes with final directory data and write to output
	result, err := w.serializeInodesToBuffer()
	if err != nil {
		return nil, err
	}

	// Set final inode positions based on block positions
	for _, ino := range w.inodes {
		ino.inodeBlockStart = blockPositions[inodePos[ino.ino].blockNum]
		ino.inodeOffset = inodePos[ino.ino].offset
	}

	return result, nil
}

// computeDirectoryTableOffsets pre-compresses directory blocks and updates Start fields
func (w *Writer) computeDirectoryTableOffsets() error {
	// Collect all directory data and track where each inode's data starts
	dirBuf := &bytes.Buffer{}
	inodeOffsets := make(map[uint32]uint32)

	for _, inode := range w.inodes {
		if inode.fileType != DirType && inode.fileType != XDirType {
			continue
		}
		inodeOffsets[inode.ino] = uint32(dirBuf.Len())
		dirBuf.Write(inode.dirData)
	}

	// Pre-compress and save blocks, tracking offsets
	data := dirBuf.Bytes()
	w.precompressedDirBlocks = make([][]byte, 0)
	blockOffsets := make(map[int]uint32)
	blockIdx := 0
	offset := uint32(0)

	for len(data) > 0 {
		blockSize := len(data)
		if blockSize > maxMetadataBlockSize {
			blockSize = maxMetadataBlockSize
		}

		blockOffsets[blockIdx] = offset

		// Compress and save the block
		blockData := data[:blockSize]
		compressed := w.compress(blockData)

		var toWrite []byte
		if compressed != nil {
			header := make([]byte, 2)
			binary.LittleEndian.PutUint16(header, uint16(len(compressed)))
			toWrite = append(header, compressed...)
		} else {
			header := make([]byte, 2)
			binary.LittleEndian.PutUint16(header, uint16(blockSize)|0x8000)
			toWrite = append(header, blockData...)
		}

		w.precompressedDirBlocks = append(w.precompressedDirBlocks, toWrite)
		offset += uint32(len(toWrite))
		data = data[blockSize:]
		blockIdx++
	}

	// Update DirIndexEntry.Start fields
	for _, inode := range w.inodes {
		if inode.fileType != XDirType || len(inode.dirIndex) == 0 {
			continue
		}

		inodeStart := inodeOffsets[inode.ino]
		for i := range inode.dirIndex {
			entryOffset := inodeStart + inode.dirIndex[i].Index
			blockNum := int(entryOffset / maxMetadataBlockSize)
			inode.dirIndex[i].Start = blockOffsets[blockNum]
		}
	}

	return nil
}

// writeDirectoryTable writes the pre-compressed directory blocks to disk
func (w *Writer) writeDirectoryTable() error {
	w.dirTableStart = w.offset

	// Write the pre-compressed blocks
	for _, block := range w.precompressedDirBlocks {
		if err := w.write(block); err != nil {
			return err
		}
	}

	return nil
}

// sortInodes sorts directory entries in ascending byte-lexical order, as
// required for binary-searchable directory listings.
func sortInodes(inodes []*writerInode) {
	// stable insertion sort: directory entry counts are small enough that
	// this never shows up next to the compression cost, and stability
	// keeps ties (which shouldn't occur - names are unique) deterministic.
	for i := 1; i < len(inodes); i++ {
		for j := i; j > 0 && inodes[j-1].name > inodes[j].name; j-- {
			inodes[j-1], inodes[j] = inodes[j], inodes[j-1]
		}
	}
}

// blockDedupKey hashes a block's uncompressed content together with its
// final on-disk size (including the uncompressed-flag bit), so that two
// blocks only collide when both their content and storage form match -
// mirroring the original implementation's CRC32-plus-size dedup key.
func blockDedupKey(data []byte, sizeRaw uint32) uint64 {
	return uint64(sizeRaw)<<32 | uint64(crc32.ChecksumIEEE(data))
}

// compressBlock compresses a block of file data and reports the bytes that
// would be written along with its on-disk size field (the raw size with the
// uncompressed-flag bit set when compression was skipped or didn't help).
// It does not write anything, so the same block can be hashed and matched
// against blockHistory before committing to a write.
func (w *Writer) compressBlock(block []byte) (toWrite []byte, sizeRaw uint32) {
	compressed := w.compress(block)
	if compressed != nil {
		return compressed, uint32(len(compressed))
	}
	return block, uint32(len(block)) | 0x01000000
}

// findBlockRun searches blockHistory for a contiguous run of already-written
// blocks whose hashes match blocks exactly, in order, and returns the
// offset of the run's first block.
func (w *Writer) findBlockRun(blocks []preparedBlock) (uint64, bool) {
	n := len(blocks)
	for i := 0; i+n <= len(w.blockHistory); i++ {
		match := true
		for j := 0; j < n; j++ {
			if w.blockHistory[i+j].hash != blocks[j].hash {
				match = false
				break
			}
		}
		if match {
			return w.blockHistory[i].offset, true
		}
	}
	return 0, false
}

// placeBlockRun lays out a file's full-size data blocks on disk, reusing an
// earlier identical run in full when the *entire* sequence of blocks
// matches one already written contiguously. SquashFS locates a file's data
// purely from inode.startBlock plus a list of block sizes (see inode.go's
// ReadAt, which reconstructs each block's offset by summing sizes starting
// at startBlock) - reusing a single matched block's offset while writing
// the rest of the file fresh would make its data non-contiguous from
// startBlock, corrupting every block after the match. Matching and reusing
// the whole run is the only safe granularity.
func (w *Writer) placeBlockRun(inode *writerInode, blocks []preparedBlock) error {
	inode.dataBlocks = make([]uint32, len(blocks))
	for i, b := range blocks {
		inode.dataBlocks[i] = b.sizeRaw
	}

	if len(blocks) == 0 {
		inode.startBlock = w.offset
		return nil
	}

	if start, ok := w.findBlockRun(blocks); ok {
		inode.startBlock = start
		return nil
	}

	inode.startBlock = w.offset
	for _, b := range blocks {
		start := w.offset
		if err := w.write(b.toWrite); err != nil {
			return err
		}
		w.blockHistory = append(w.blockHistory, blockRecord{offset: start, sizeRaw: b.sizeRaw, hash: b.hash})
	}
	return nil
}

// addFragment packs a file's tail into the shared fragment buffer,
// deduplicating identical tails and flushing the buffer to disk whenever it
// fills up (or when flush forces it out at Finalize time).
func (w *Writer) addFragment(tail []byte) (fragBlock uint32, fragOfft uint32, err error) {
	key := blockDedupKey(tail, uint32(len(tail)))
	if idx, ok := w.fragDedup[key]; ok {
		// fragment tail previously seen - but we only know its block/offset
		// if it's still sitting in the in-progress buffer or already
		// flushed; fragOfft was recorded alongside fragDedup's counterpart.
		return idx, w.fragDedupOffset[key], nil
	}

	if w.fragBuf.Len()+len(tail) > int(w.blockSize) {
		if err = w.flushFragmentBlock(); err != nil {
			return 0, 0, err
		}
	}

	fragBlock = uint32(len(w.fragEntries))
	fragOfft = uint32(w.fragBuf.Len())
	w.fragBuf.Write(tail)

	w.fragDedup[key] = fragBlock
	w.fragDedupOffset[key] = fragOfft

	return fragBlock, fragOfft, nil
}

// flushFragmentBlock compresses and writes out the in-progress fragment
// buffer as a new fragment table entry.
func (w *Writer) flushFragmentBlock() error {
	if w.fragBuf.Len() == 0 {
		return nil
	}

	data := w.fragBuf.Bytes()
	compressed := w.compress(data)

	var sizeRaw uint32
	var toWrite []byte
	if compressed != nil {
		toWrite = compressed
		sizeRaw = uint32(len(compressed))
	} else {
		toWrite = data
		sizeRaw = uint32(len(data)) | 0x01000000
	}

	start := w.offset
	if err := w.write(toWrite); err != nil {
		return err
	}

	w.fragEntries = append(w.fragEntries, fragmentEntry{start: start, sizeRaw: sizeRaw})
	w.blockHistory = append(w.blockHistory, blockRecord{offset: start, sizeRaw: sizeRaw, hash: 0})
	w.fragBuf.Reset()
	return nil
}

// writeFileData writes data blocks for all regular files, deduplicating
// whole runs of identical full-size blocks (see placeBlockRun) and packing
// tails smaller than a full block into shared fragment blocks.
func (w *Writer) writeFileData() error {
	pipeline := newDataPipeline(w.numWorkers, w.backlog, w.compressBlock)
	defer pipeline.close()

	for _, inode := range w.inodes {
		if inode.fileType != FileType {
			continue
		}
		inode.fragBlock = 0xFFFFFFFF

		if inode.size == 0 {
			continue
		}

		// Read file data from source filesystem
		if inode.srcFS == nil {
			// No source FS, write empty file
			inode.size = 0
			continue
		}

		data, err := fs.ReadFile(inode.srcFS, inode.path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", inode.path, err)
		}

		blockSize := int(w.blockSize)
		fullBlocks := len(data) / blockSize
		tail := data[fullBlocks*blockSize:]
		tailIsDataBlock := len(tail) > 0 && w.flags&NO_FRAGMENTS != 0

		// rawBlocks holds this file's full-size blocks (plus the tail, when
		// it's written as a data block rather than a fragment); compression
		// for all of them is submitted to the worker pool up front so it
		// can happen concurrently, then drained back in order below.
		rawBlocks := make([][]byte, 0, fullBlocks+1)
		for i := 0; i < fullBlocks; i++ {
			rawBlocks = append(rawBlocks, data[i*blockSize:(i+1)*blockSize])
		}
		if tailIsDataBlock {
			rawBlocks = append(rawBlocks, tail)
		}

		// Submitting happens on its own goroutine so a file with more blocks
		// than the pipeline's backlog doesn't deadlock: submit() blocks once
		// the backlog is full, and only draining frees room for it to
		// proceed. The channel preserves submission order, so the drain loop
		// below still consumes results in the same order compressBlock
		// produces them for - just as findBlockRun/placeBlockRun require.
		seqCh := make(chan uint64, len(rawBlocks))
		go func() {
			defer close(seqCh)
			for _, block := range rawBlocks {
				seqCh <- pipeline.submit(block)
			}
		}()

		blocks := make([]preparedBlock, 0, len(rawBlocks))
		for seq := range seqCh {
			toWrite, sizeRaw := pipeline.drain(seq)
			blocks = append(blocks, preparedBlock{toWrite: toWrite, sizeRaw: sizeRaw, hash: blockDedupKey(rawBlocks[len(blocks)], sizeRaw)})
		}

		if err := w.placeBlockRun(inode, blocks); err != nil {
			return err
		}

		if len(tail) > 0 && !tailIsDataBlock {
			fragBlock, fragOfft, err := w.addFragment(tail)
			if err != nil {
				return err
			}
			inode.fragBlock = fragBlock
			inode.fragOfft = fragOfft
		}
	}

	// flush any partially-filled fragment block left over
	return w.flushFragmentBlock()
}

// prepareDirectories prepares directory structures and determines inode types
func (w *Writer) prepareDirectories() error {
	const indexInterval = 256

	for _, inode := range w.inodes {
		if inode.fileType != DirType {
			continue
		}

		// Sort entries by name
		sortInodes(inode.entries)

		// Check if this directory needs an index (more than 256 entries)
		if len(inode.entries) > indexInterval {
			// This directory needs indexing, use XDirType
			inode.fileType = XDirType
			// Note: dirIndex is built later, by simulateDirectoryIndices() and
			// buildDirectoryEntryData(), once the inode block positions are known
		}
	}
	return nil
}

// Finalize writes the complete SquashFS filesystem to the underlying writer.
// After this method returns, the filesystem image is complete and the Writer
// should not be used again.
//
// The finalization process follows this order:
//  1. Write placeholder superblock (will be updated at the end)
//  2. Assign inode numbers level by level, deepest first
//  3. Build UID/GID table
//  4. Write all file data blocks (deduplicated, fragment-packed, compressed)
//  5. Prepare directory structures (determine DirType vs XDirType)
//  6. Build inode table with directory data (multi-pass convergence)
//  7. Write directory, inode, ID, fragment and export tables
//  8. Update superblock with final table offsets
func (w *Writer) Finalize() error {
	// Write placeholder superblock first (we'll update it at the end)
	placeholder := make([]byte, SuperblockSize)
	if err := w.write(placeholder); err != nil {
		return err
	}

	w.assignInodeNumbers()

	// Build ID table
	if err := w.buildIDTable(); err != nil {
		return err
	}

	// Write data blocks for regular files
	if err := w.writeFileData(); err != nil {
		return err
	}

	// Prepare directory structures (determines XDirType vs DirType)
	if err := w.prepareDirectories(); err != nil {
		return err
	}

	// Build inode table in a buffer (this also computes Start fields for DirIndexEntry)
	inodeTableData, err := w.buildInodeTableToBuffer()
	if err != nil {
		return err
	}

	// Write directory table
	if err := w.writeDirectoryTable(); err != nil {
		return err
	}

	// Write the pre-built inode table to disk
	w.inodeTableStart = w.offset
	if err := w.write(inodeTableData); err != nil {
		return err
	}

	// Write ID table
	if err := w.writeIDTable(); err != nil {
		return err
	}

	// Write fragment table
	if err := w.writeFragmentTable(); err != nil {
		return err
	}

	// Write export table (only populated when WithExportable(true) was set)
	if err := w.writeExportTable(); err != nil {
		return err
	}

	w.bytesUsed = w.offset

	// Build and write superblock
	w.buildSuperblock()
	sbData := w.sb.Bytes()

	// Write superblock
	if w.wa != nil {
		// Update superblock at offset 0
		_, err := w.wa.WriteAt(sbData, 0)
		return err
	}

	// For buffered mode, copy superblock to the beginning of buffer
	data := w.buf.Bytes()
	copy(data[0:SuperblockSize], sbData)

	// Write everything to the final writer
	_, err = w.w.Write(data)
	return err
}

// buildSuperblock constructs the superblock structure
func (w *Writer) buildSuperblock() {
	// Calculate block log
	blockLog := uint16(0)
	for i := uint16(0); i < 32; i++ {
		if (1 << i) == w.blockSize {
			blockLog = i
			break
		}
	}

	// Populate superblock fields
	w.sb.Magic = squashfsMagic
	w.sb.InodeCnt = w.inodeCount
	w.sb.ModTime = w.modTime
	w.sb.BlockSize = w.blockSize
	w.sb.FragCount = uint32(len(w.fragEntries))
	w.sb.Comp = w.comp
	w.sb.BlockLog = blockLog
	w.sb.Flags = w.flags
	w.sb.IdCount = uint16(len(w.idList))
	w.sb.VMajor = 4
	w.sb.VMinor = 0
	w.sb.RootInode = uint64(w.rootInode.inodeBlockStart)<<16 | uint64(w.rootInode.inodeOffset)
	w.sb.BytesUsed = w.bytesUsed
	w.sb.IdTableStart = w.idTableStart
	w.sb.XattrIdTableStart = 0xFFFFFFFFFFFFFFFF // no xattrs
	w.sb.InodeTableStart = w.inodeTableStart
	w.sb.DirTableStart = w.dirTableStart
	w.sb.FragTableStart = w.fragTableStart
	w.sb.ExportTableStart = w.exportTableStart
	w.sb.order = binary.LittleEndian
}
