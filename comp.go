package squashfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// SquashComp identifies a data/metadata compressor, as stored in the superblock.
type SquashComp uint16

const (
	GZip SquashComp = 1
	LZMA SquashComp = 2
	LZO  SquashComp = 3
	XZ   SquashComp = 4
	LZ4  SquashComp = 5
	ZSTD SquashComp = 6
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

// CompressorConfig carries per-compressor tuning knobs the writer applies when
// building a new image. Zero value selects each codec's default.
type CompressorConfig struct {
	GZipLevel int // compress/flate levels, default zlib.DefaultCompression
	XZLevel   int // not read by DefaultCodec: XZ uses the xz package's default settings
	LZ4HC     bool
}

// Codec is the pluggable compressor capability described in spec §4.1/§6. A Kind
// carries one; the default implements the five standard compressors and a
// caller may supply their own to handle a vendor LZMA variant, a different
// backing library, or non-standard compression_options.
type Codec interface {
	// Decompress returns the decompressed form of input.
	Decompress(comp SquashComp, input []byte) ([]byte, error)

	// Compress returns the compressed form of input, or an error if comp is unsupported.
	Compress(comp SquashComp, input []byte, cfg CompressorConfig) ([]byte, error)

	// CompressionOptions returns the bytes of the compression_options metadata block
	// for comp, or nil if none should be emitted.
	CompressionOptions(comp SquashComp, cfg CompressorConfig) ([]byte, error)
}

type defaultCodec struct{}

// DefaultCodec implements gzip, xz, lzma, lz4 and zstd using the libraries carried
// by this corpus (klauspost/compress, ulikunitz/xz, pierrec/lz4). LZO has no
// available Go implementation anywhere in the example pack, so it is wired
// through to ErrUnsupportedCompression rather than hand-rolled or vendored.
var DefaultCodec Codec = defaultCodec{}

func (defaultCodec) Decompress(comp SquashComp, input []byte) ([]byte, error) {
	switch comp {
	case GZip:
		r, err := zlib.NewReader(bytes.NewReader(input))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case LZMA:
		r, err := lzma.NewReader(bytes.NewReader(input))
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case XZ:
		r, err := xz.NewReader(bytes.NewReader(input))
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(input))
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ZSTD:
		d, err := zstd.NewReader(bytes.NewReader(input))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, d); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, comp)
	}
}

func (defaultCodec) Compress(comp SquashComp, input []byte, cfg CompressorConfig) ([]byte, error) {
	var out bytes.Buffer
	switch comp {
	case GZip:
		level := cfg.GZipLevel
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&out, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(input); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case LZMA:
		w, err := lzma.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(input); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case XZ:
		var cfgXZ xz.WriterConfig
		w, err := cfgXZ.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(input); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case LZ4:
		w := lz4.NewWriter(&out)
		if cfg.LZ4HC {
			_ = w.Apply(lz4.CompressionLevelOption(lz4.Level9))
		}
		if _, err := w.Write(input); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case ZSTD:
		w, err := zstd.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(input); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, comp)
	}
	return out.Bytes(), nil
}

func (defaultCodec) CompressionOptions(comp SquashComp, cfg CompressorConfig) ([]byte, error) {
	// None of the default compressors require a non-empty options block for the
	// scenarios this library writes; callers needing vendor-specific xz filters
	// or lzma lc/lp/pb tuples supply a custom Codec.
	return nil, nil
}

// v3Codec constrains a v3 Kind's compressor to GZip, matching the read-only v3
// grammar described in spec §4.1 (v3 firmware overwhelmingly used gzip; LZMA
// v3 variants require brute-forcing vendor parameters and are explicitly a
// codec plug-in concern per spec §9, not core).
type v3Codec struct{}

func (v3Codec) Decompress(comp SquashComp, input []byte) ([]byte, error) {
	if comp != GZip {
		return nil, fmt.Errorf("%w: v3 only supports gzip, got %s", ErrUnsupportedCompression, comp)
	}
	return defaultCodec{}.Decompress(comp, input)
}

func (v3Codec) Compress(comp SquashComp, input []byte, cfg CompressorConfig) ([]byte, error) {
	if comp != GZip {
		return nil, fmt.Errorf("%w: v3 only supports gzip, got %s", ErrUnsupportedCompression, comp)
	}
	return defaultCodec{}.Compress(comp, input, cfg)
}

func (v3Codec) CompressionOptions(comp SquashComp, cfg CompressorConfig) ([]byte, error) {
	return nil, nil
}
