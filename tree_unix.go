//go:build unix

package squashfs

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"
)

// statInfo extracts uid/gid/rdev from a os.FileInfo's Sys() value on unix
// platforms, where it is a *syscall.Stat_t. rdev is repacked through
// unix.Mkdev/Major/Minor so the major/minor split matches what
// squashfs-tools-ng writes for device-node inodes, regardless of how the
// host kernel encodes it.
func statInfo(info fs.FileInfo) (uid, gid, rdev uint32) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0
	}
	uid = st.Uid
	gid = st.Gid
	dev := uint64(st.Rdev)
	rdev = uint32(unix.Mkdev(unix.Major(dev), unix.Minor(dev)))
	return
}
