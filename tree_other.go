//go:build !unix

package squashfs

import "io/fs"

// statInfo has no uid/gid/rdev concept outside unix platforms; images
// produced there get uid=gid=0 and rdev=0 for device-node inodes (which
// can't exist as real source-filesystem entries on those platforms anyway).
func statInfo(info fs.FileInfo) (uid, gid, rdev uint32) {
	return 0, 0, 0
}
