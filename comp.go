package squashfs

import (
	"fmt"
	"io"
	"sync"
)

type SquashComp uint16

const (
	GZip SquashComp = 1
	LZMA            = 2
	LZO             = 3
	XZ              = 4
	LZ4             = 5
	ZSTD            = 6
)

func (s SquashComp) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("SquashComp(%d)", s)
}

// Compressor is the uniform interface every on-disk compression backend
// implements. A fresh Compressor is created per superblock/writer via the
// registry below; Clone() produces the per-worker copy used by the data
// writer's parallel pipeline so worker threads never share codec state.
type Compressor interface {
	// Compress returns the compressed payload and ok=true, or ok=false
	// when the codec judges the input incompressible (compressed size
	// would be >= uncompressed size). The pipeline falls back to writing
	// the raw block whenever ok is false.
	Compress(in []byte) (out []byte, ok bool, err error)

	// Decompress reverses Compress.
	Decompress(in []byte) ([]byte, error)

	// WriteOptions serializes this codec's option record to w. It returns
	// wrote=false when every option is at its default value, in which case
	// no COMPRESSOR_OPTIONS meta block is emitted for this filesystem.
	WriteOptions(w io.Writer) (wrote bool, err error)

	// ReadOptions parses an option record previously produced by WriteOptions.
	ReadOptions(r io.Reader) error

	// Clone returns an independent copy of this compressor carrying the
	// same configured options, safe for concurrent use by a single worker.
	Clone() Compressor

	// ID returns the on-disk compression_id this codec implements.
	ID() SquashComp
}

type compressorFactory func() Compressor

var (
	compRegistryMu sync.RWMutex
	compRegistry   = map[SquashComp]compressorFactory{}
)

// RegisterCompressor registers a Compressor backend for id. Codec files call
// this from their init() so that build-tag-gated codecs (xz, lz4) only
// register themselves when compiled in.
func RegisterCompressor(id SquashComp, factory func() Compressor) {
	compRegistryMu.Lock()
	defer compRegistryMu.Unlock()
	compRegistry[id] = factory
}

// NewCompressor instantiates the registered Compressor for id.
func NewCompressor(id SquashComp) (Compressor, error) {
	compRegistryMu.RLock()
	factory, ok := compRegistry[id]
	compRegistryMu.RUnlock()
	if !ok {
		return nil, newErr(KindUnsupported, "NewCompressor", "", fmt.Errorf("%s: %w", id, ErrUnsupportedCompressor))
	}
	return factory(), nil
}

// decompress is the single-shot convenience path used by the reader: it
// instantiates the registered codec for s and decompresses buf. Readers
// don't need per-worker clones since reads aren't parallelized by this
// package.
func (s SquashComp) decompress(buf []byte) ([]byte, error) {
	c, err := NewCompressor(s)
	if err != nil {
		return nil, err
	}
	return c.Decompress(buf)
}
