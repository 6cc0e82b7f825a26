package squashfs

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// gzip option-record strategy bitmask, per squashfs-tools-ng's gzip_flags table.
const (
	gzipStrategyDefault SquashFlags = 1 << iota
	gzipStrategyFiltered
	gzipStrategyHuffman
	gzipStrategyRLE
	gzipStrategyFixed
)

// gzipCompressor implements Compressor over compress/flate and compress/zlib.
// Go's flate package exposes DefaultCompression and HuffmanOnly but has no
// equivalent of zlib's Z_FILTERED/Z_RLE/Z_FIXED strategies; when the option
// record enables one of those three bits without also enabling "huffman",
// we compress at the default strategy and still honor the bit on the wire
// so option blocks round-trip byte-exact against real images.
type gzipCompressor struct {
	level      int
	windowSize int
	strategy   SquashFlags
}

func newGzipCompressor() Compressor {
	return &gzipCompressor{level: 9, windowSize: 15, strategy: gzipStrategyDefault}
}

func (g *gzipCompressor) ID() SquashComp { return GZip }

func (g *gzipCompressor) Clone() Compressor {
	clone := *g
	return &clone
}

func (g *gzipCompressor) Compress(in []byte) ([]byte, bool, error) {
	var best bytes.Buffer

	if g.strategy&gzipStrategyHuffman != 0 {
		var buf bytes.Buffer
		fw, err := zlib.NewWriterLevel(&buf, flate.HuffmanOnly)
		if err != nil {
			return nil, false, newErr(KindCompressor, "gzip.Compress", "", err)
		}
		if _, err := fw.Write(in); err != nil {
			return nil, false, newErr(KindCompressor, "gzip.Compress", "", err)
		}
		if err := fw.Close(); err != nil {
			return nil, false, newErr(KindCompressor, "gzip.Compress", "", err)
		}
		best = buf
	} else {
		zw, err := zlib.NewWriterLevel(&best, g.level)
		if err != nil {
			return nil, false, newErr(KindCompressor, "gzip.Compress", "", err)
		}
		if _, err := zw.Write(in); err != nil {
			return nil, false, newErr(KindCompressor, "gzip.Compress", "", err)
		}
		if err := zw.Close(); err != nil {
			return nil, false, newErr(KindCompressor, "gzip.Compress", "", err)
		}
	}

	if best.Len() >= len(in) {
		return nil, false, nil
	}
	return best.Bytes(), true, nil
}

func (g *gzipCompressor) Decompress(in []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, newErr(KindCompressor, "gzip.Decompress", "", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, newErr(KindCompressor, "gzip.Decompress", "", err)
	}
	return out, nil
}

// WriteOptions writes the squashfs gzip option record: level(u32), window
// size(u16), strategy bitmask(u16). It is omitted (wrote=false) when every
// field is at its default.
func (g *gzipCompressor) WriteOptions(w io.Writer) (bool, error) {
	if g.level == 9 && g.windowSize == 15 && g.strategy == gzipStrategyDefault {
		return false, nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(g.level))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(g.windowSize))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(g.strategy))
	if _, err := w.Write(buf[:]); err != nil {
		return false, newErr(KindIO, "gzip.WriteOptions", "", err)
	}
	return true, nil
}

func (g *gzipCompressor) ReadOptions(r io.Reader) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return newErr(KindCorrupted, "gzip.ReadOptions", "", err)
	}
	g.level = int(binary.LittleEndian.Uint32(buf[0:4]))
	g.windowSize = int(binary.LittleEndian.Uint16(buf[4:6]))
	g.strategy = SquashFlags(binary.LittleEndian.Uint16(buf[6:8]))
	if g.level < 1 || g.level > 9 {
		return newErr(KindCorrupted, "gzip.ReadOptions", "", fmt.Errorf("level %d out of range", g.level))
	}
	if g.windowSize < 8 || g.windowSize > 15 {
		return newErr(KindCorrupted, "gzip.ReadOptions", "", fmt.Errorf("window_size %d out of range", g.windowSize))
	}
	return nil
}

func init() {
	RegisterCompressor(GZip, newGzipCompressor)
}
