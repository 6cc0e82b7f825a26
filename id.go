package squashfs

import (
	"encoding/binary"
)

// idsPerBlock is how many 4-byte id table entries fit in one (at most 8KiB)
// uncompressed metadata block.
const idsPerBlock = maxMetadataBlockSize / 4

// resolveID looks up the uid/gid value stored at idx in the superblock's ID
// table. The table is itself an array of pointers (one per idsPerBlock
// entries) to metadata blocks of packed little-endian uint32 ids.
func (sb *Superblock) resolveID(idx uint16) (uint32, error) {
	blockNum := int64(idx) / idsPerBlock
	within := int64(idx) % idsPerBlock

	ptr := make([]byte, 8)
	_, err := sb.fs.ReadAt(ptr, int64(sb.IdTableStart)+blockNum*8)
	if err != nil {
		return 0, newErr(KindIO, "resolveID", "", err)
	}
	blockStart := sb.order.Uint64(ptr)

	r, err := sb.newTableReader(int64(blockStart), int(within)*4)
	if err != nil {
		return 0, err
	}

	var id uint32
	if err := binary.Read(r, sb.order, &id); err != nil {
		return 0, newErr(KindIO, "resolveID", "", err)
	}
	return id, nil
}

// GetUid returns the numeric uid owning this inode, resolved through the
// filesystem's ID table.
func (i *Inode) GetUid() uint32 {
	id, err := i.sb.resolveID(i.UidIdx)
	if err != nil {
		return 0
	}
	return id
}

// GetGid returns the numeric gid owning this inode, resolved through the
// filesystem's ID table.
func (i *Inode) GetGid() uint32 {
	id, err := i.sb.resolveID(i.GidIdx)
	if err != nil {
		return 0
	}
	return id
}
