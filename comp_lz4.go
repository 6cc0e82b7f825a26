//go:build lz4

package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Compressor implements Compressor over github.com/pierrec/lz4/v4,
// grounded on diskfs-go-diskfs's use of the same module for its squashfs
// filesystem driver. The option record carries a single "high compression"
// flag per the spec's lz4 option grammar.
type lz4Compressor struct {
	highCompression bool
}

func newLz4Compressor() Compressor {
	return &lz4Compressor{}
}

func (l *lz4Compressor) ID() SquashComp { return LZ4 }

func (l *lz4Compressor) Clone() Compressor {
	clone := *l
	return &clone
}

func (l *lz4Compressor) Compress(in []byte) ([]byte, bool, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if l.highCompression {
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, false, newErr(KindCompressor, "lz4.Compress", "", err)
		}
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, false, newErr(KindCompressor, "lz4.Compress", "", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, newErr(KindCompressor, "lz4.Compress", "", err)
	}
	if out.Len() >= len(in) {
		return nil, false, nil
	}
	return out.Bytes(), true, nil
}

func (l *lz4Compressor) Decompress(in []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(in))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, newErr(KindCompressor, "lz4.Decompress", "", err)
	}
	return out, nil
}

func (l *lz4Compressor) WriteOptions(w io.Writer) (bool, error) {
	if !l.highCompression {
		return false, nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	if _, err := w.Write(buf[:]); err != nil {
		return false, newErr(KindIO, "lz4.WriteOptions", "", err)
	}
	return true, nil
}

func (l *lz4Compressor) ReadOptions(r io.Reader) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return newErr(KindCorrupted, "lz4.ReadOptions", "", err)
	}
	l.highCompression = binary.LittleEndian.Uint32(buf[:])&1 != 0
	return nil
}

func init() {
	RegisterCompressor(LZ4, newLz4Compressor)
}
