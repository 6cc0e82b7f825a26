package squashfs

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// SuperblockSize is the fixed on-disk size of the squashfs superblock.
const SuperblockSize = 96

const squashfsMagic = 0x73717368

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs     io.ReaderAt
	closer io.Closer
	order  binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              SquashComp
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	inoOfft uint64

	rootIno  *Inode
	rootInoN uint64

	inoIdxL sync.RWMutex
	inoIdx  map[uint32]inodeRef
}

// New parses a squashfs superblock out of fs and resolves its root inode, so
// the returned Superblock is ready to walk.
func New(fs io.ReaderAt, opts ...Option) (*Superblock, error) {
	sb := &Superblock{fs: fs, inoIdx: make(map[uint32]inodeRef)}
	head := make([]byte, SuperblockSize)

	_, err := fs.ReadAt(head, 0)
	if err != nil {
		return nil, newErr(KindIO, "New", "", err)
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(sb); err != nil {
			return nil, err
		}
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)

	return sb, nil
}

// UnmarshalBinary decodes a 96-byte squashfs superblock. Fields are decoded
// explicitly in on-disk order rather than via reflection, so the field
// order here IS the wire format - keep it in sync with MarshalBinary.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < SuperblockSize {
		return newErr(KindCorrupted, "UnmarshalBinary", "", io.ErrUnexpectedEOF)
	}

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return newErr(KindCorrupted, "UnmarshalBinary", "", errors.Join(ErrInvalidFile, ErrInvalidSuper))
	}

	o := s.order
	s.Magic = o.Uint32(data[0:4])
	s.InodeCnt = o.Uint32(data[4:8])
	s.ModTime = int32(o.Uint32(data[8:12]))
	s.BlockSize = o.Uint32(data[12:16])
	s.FragCount = o.Uint32(data[16:20])
	s.Comp = SquashComp(o.Uint16(data[20:22]))
	s.BlockLog = o.Uint16(data[22:24])
	s.Flags = SquashFlags(o.Uint16(data[24:26]))
	s.IdCount = o.Uint16(data[26:28])
	s.VMajor = o.Uint16(data[28:30])
	s.VMinor = o.Uint16(data[30:32])
	s.RootInode = o.Uint64(data[32:40])
	s.BytesUsed = o.Uint64(data[40:48])
	s.IdTableStart = o.Uint64(data[48:56])
	s.XattrIdTableStart = o.Uint64(data[56:64])
	s.InodeTableStart = o.Uint64(data[64:72])
	s.DirTableStart = o.Uint64(data[72:80])
	s.FragTableStart = o.Uint64(data[80:88])
	s.ExportTableStart = o.Uint64(data[88:96])

	if s.VMajor != 4 || s.VMinor != 0 {
		return newErr(KindUnsupported, "UnmarshalBinary", "", ErrInvalidVersion)
	}

	var expectLog uint16
	for i := uint16(0); i < 32; i++ {
		if uint32(1)<<i == s.BlockSize {
			expectLog = i
			break
		}
	}
	if expectLog == 0 || expectLog != s.BlockLog {
		return newErr(KindCorrupted, "UnmarshalBinary", "", ErrInvalidSuper)
	}

	return nil
}

// MarshalBinary encodes the superblock back to its 96-byte wire form.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	o := s.order
	if o == nil {
		o = binary.LittleEndian
	}
	data := make([]byte, SuperblockSize)

	o.PutUint32(data[0:4], squashfsMagic)
	o.PutUint32(data[4:8], s.InodeCnt)
	o.PutUint32(data[8:12], uint32(s.ModTime))
	o.PutUint32(data[12:16], s.BlockSize)
	o.PutUint32(data[16:20], s.FragCount)
	o.PutUint16(data[20:22], uint16(s.Comp))
	o.PutUint16(data[22:24], s.BlockLog)
	o.PutUint16(data[24:26], uint16(s.Flags))
	o.PutUint16(data[26:28], s.IdCount)
	o.PutUint16(data[28:30], 4)
	o.PutUint16(data[30:32], 0)
	o.PutUint64(data[32:40], s.RootInode)
	o.PutUint64(data[40:48], s.BytesUsed)
	o.PutUint64(data[48:56], s.IdTableStart)
	o.PutUint64(data[56:64], s.XattrIdTableStart)
	o.PutUint64(data[64:72], s.InodeTableStart)
	o.PutUint64(data[72:80], s.DirTableStart)
	o.PutUint64(data[80:88], s.FragTableStart)
	o.PutUint64(data[88:96], s.ExportTableStart)

	return data, nil
}

// Bytes is a convenience wrapper over MarshalBinary that panics on error;
// the superblock's fields are always in range by the time it is written by
// Writer.Finalize, so an error here means a programming mistake upstream.
func (s *Superblock) Bytes() []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}
