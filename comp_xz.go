//go:build xz

package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ulikunitz/xz"
)

// xz option-record BCJ filter bitmask, per squashfs-tools-ng's xz_flags table.
const (
	xzFilterX86 SquashFlags = 1 << iota
	xzFilterPowerPC
	xzFilterIA64
	xzFilterARM
	xzFilterARMThumb
	xzFilterSparc
)

// xzCompressor implements Compressor over github.com/ulikunitz/xz. The
// reference implementation tries every enabled BCJ filter and keeps the
// smallest output; ulikunitz/xz does not expose a BCJ filter chain API, so
// the bitmask is still parsed and stored in the on-disk option record but
// no per-architecture transform is applied before compression.
type xzCompressor struct {
	dictSize uint32
	filters  SquashFlags
}

func newXzCompressor() Compressor {
	return &xzCompressor{dictSize: 1 << 20, filters: 0}
}

func (x *xzCompressor) ID() SquashComp { return XZ }

func (x *xzCompressor) Clone() Compressor {
	clone := *x
	return &clone
}

func (x *xzCompressor) Compress(in []byte) ([]byte, bool, error) {
	var out bytes.Buffer
	cfg := xz.WriterConfig{DictCap: int(x.dictSize)}
	w, err := cfg.NewWriter(&out)
	if err != nil {
		return nil, false, newErr(KindCompressor, "xz.Compress", "", err)
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, false, newErr(KindCompressor, "xz.Compress", "", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, newErr(KindCompressor, "xz.Compress", "", err)
	}
	if out.Len() >= len(in) {
		return nil, false, nil
	}
	return out.Bytes(), true, nil
}

func (x *xzCompressor) Decompress(in []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, newErr(KindCompressor, "xz.Decompress", "", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, newErr(KindCompressor, "xz.Decompress", "", err)
	}
	return out, nil
}

func (x *xzCompressor) WriteOptions(w io.Writer) (bool, error) {
	if x.dictSize == 1<<20 && x.filters == 0 {
		return false, nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], x.dictSize)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(x.filters))
	if _, err := w.Write(buf[:]); err != nil {
		return false, newErr(KindIO, "xz.WriteOptions", "", err)
	}
	return true, nil
}

func (x *xzCompressor) ReadOptions(r io.Reader) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return newErr(KindCorrupted, "xz.ReadOptions", "", err)
	}
	x.dictSize = binary.LittleEndian.Uint32(buf[0:4])
	x.filters = SquashFlags(binary.LittleEndian.Uint32(buf[4:8]))
	return nil
}

func init() {
	RegisterCompressor(XZ, newXzCompressor)
}
