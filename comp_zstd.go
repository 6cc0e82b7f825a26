package squashfs

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdCompressor implements Compressor over github.com/klauspost/compress/zstd.
// Per the spec's option grammar the level is only written to the on-disk
// option record when it differs from the format default (15).
type zstdCompressor struct {
	level int
}

func newZstdCompressor() Compressor {
	return &zstdCompressor{level: 15}
}

func (z *zstdCompressor) ID() SquashComp { return ZSTD }

func (z *zstdCompressor) Clone() Compressor {
	clone := *z
	return &clone
}

func (z *zstdCompressor) encoderLevel() zstd.EncoderLevel {
	switch {
	case z.level <= 3:
		return zstd.SpeedFastest
	case z.level <= 9:
		return zstd.SpeedDefault
	case z.level <= 19:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (z *zstdCompressor) Compress(in []byte) ([]byte, bool, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(z.encoderLevel()))
	if err != nil {
		return nil, false, newErr(KindCompressor, "zstd.Compress", "", err)
	}
	defer enc.Close()
	out := enc.EncodeAll(in, nil)
	if len(out) >= len(in) {
		return nil, false, nil
	}
	return out, true, nil
}

func (z *zstdCompressor) Decompress(in []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, newErr(KindCompressor, "zstd.Decompress", "", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(in, nil)
	if err != nil {
		return nil, newErr(KindCompressor, "zstd.Decompress", "", err)
	}
	return out, nil
}

func (z *zstdCompressor) WriteOptions(w io.Writer) (bool, error) {
	if z.level == 15 {
		return false, nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(z.level))
	if _, err := w.Write(buf[:]); err != nil {
		return false, newErr(KindIO, "zstd.WriteOptions", "", err)
	}
	return true, nil
}

func (z *zstdCompressor) ReadOptions(r io.Reader) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return newErr(KindCorrupted, "zstd.ReadOptions", "", err)
	}
	z.level = int(binary.LittleEndian.Uint32(buf[:]))
	if z.level < 1 || z.level > 22 {
		return newErr(KindCorrupted, "zstd.ReadOptions", "", io.ErrUnexpectedEOF)
	}
	return nil
}

func init() {
	RegisterCompressor(ZSTD, newZstdCompressor)
}
