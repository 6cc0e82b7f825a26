package squashfs

import (
	"encoding/binary"
	"io"
)

// lzoAlgorithm enumerates the five algorithm variants squashfs-tools-ng
// accepts for lzo, per lib/common/comp_opt.c's lzo_algs table.
type lzoAlgorithm uint32

const (
	lzo1x1 lzoAlgorithm = iota
	lzo1x1_11
	lzo1x1_12
	lzo1x1_15
	lzo1x999
)

// lzoCompressor registers the LZO codec id and its on-disk option framing
// (algorithm variant + level, the level only meaningful for lzo1x999) so
// option blocks round-trip against real images. No pure-Go LZO1X implementation was found
// anywhere in the retrieval pack or discoverable in the wider ecosystem, so
// Compress/Decompress report UNSUPPORTED rather than fabricate a codec -
// exactly how squashfs-tools-ng itself treats LZO as a configure-time
// optional backend.
type lzoCompressor struct {
	algorithm lzoAlgorithm
	level     int
}

func newLzoCompressor() Compressor {
	return &lzoCompressor{algorithm: lzo1x1, level: 8}
}

func (l *lzoCompressor) ID() SquashComp { return LZO }

func (l *lzoCompressor) Clone() Compressor {
	clone := *l
	return &clone
}

func (l *lzoCompressor) Compress(in []byte) ([]byte, bool, error) {
	return nil, false, newErr(KindUnsupported, "lzo.Compress", "", ErrUnsupportedCompressor)
}

func (l *lzoCompressor) Decompress(in []byte) ([]byte, error) {
	return nil, newErr(KindUnsupported, "lzo.Decompress", "", ErrUnsupportedCompressor)
}

func (l *lzoCompressor) WriteOptions(w io.Writer) (bool, error) {
	if l.algorithm == lzo1x1 && l.level == 8 {
		return false, nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(l.algorithm))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(l.level))
	if _, err := w.Write(buf[:]); err != nil {
		return false, newErr(KindIO, "lzo.WriteOptions", "", err)
	}
	return true, nil
}

func (l *lzoCompressor) ReadOptions(r io.Reader) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return newErr(KindCorrupted, "lzo.ReadOptions", "", err)
	}
	l.algorithm = lzoAlgorithm(binary.LittleEndian.Uint32(buf[0:4]))
	l.level = int(binary.LittleEndian.Uint32(buf[4:8]))
	return nil
}

func init() {
	RegisterCompressor(LZO, newLzoCompressor)
}
