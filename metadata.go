package squashfs

import (
	"io"
	"sync"
)

// metadataLenMask strips the high "stored uncompressed" bit from a metadata
// block's 16-bit length prefix.
const metadataLenMask = 0x7fff
const metadataUncompressedFlag = 0x8000

// maxMetadataBlock is the maximum uncompressed payload size of one metadata
// block (spec §3).
const maxMetadataBlock = 8192

// source bundles everything a metadata or data reader needs to pull bytes out
// of an image: the backing store, the Kind (for endianness) and the codec (for
// decompression). It's shared, read-only, and safe for concurrent use by
// multiple readers — this is what makes the optional parallel-reader mode
// (spec §5) safe.
type source struct {
	r         io.ReaderAt
	kind      Kind
	comp      SquashComp
	codec     Codec
	blockSize uint32
	fragTable []fragmentRecord

	cache     *metadataCache
	fragCache *fragmentCache
}

func newSource(r io.ReaderAt, kind Kind, comp SquashComp, blockSize uint32) *source {
	return &source{
		r: r, kind: kind, comp: comp, codec: kind.codec(), blockSize: blockSize,
		cache: newMetadataCache(), fragCache: newFragmentCache(),
	}
}

// metadataCache implements the "metadata stream as a virtual address space"
// design note (spec §9): it maps a block's file offset to its decompressed
// payload, so that repeated reads of the same (block_start, intra_offset)
// pair are O(1) after the first and readers derived from the same image share
// one decompression per block instead of one per reader.
type metadataCache struct {
	mu     sync.Mutex
	blocks map[uint64]cachedBlock
}

type cachedBlock struct {
	payload  []byte
	onDiskSz uint64 // 2 + len(compressed-or-raw payload as stored) — how far to advance for the next block
}

func newMetadataCache() *metadataCache {
	return &metadataCache{blocks: make(map[uint64]cachedBlock)}
}

// readBlockAt decompresses (or passes through) the metadata block whose 2-byte
// length header starts at fileOffset. Whether the payload is decompressed is
// decided by that header's high bit alone; the superblock's
// inodes_uncompressed/data_uncompressed flags are not consulted.
func (s *source) readBlockAt(fileOffset uint64) ([]byte, uint64, error) {
	s.cache.mu.Lock()
	if b, ok := s.cache.blocks[fileOffset]; ok {
		s.cache.mu.Unlock()
		return b.payload, b.onDiskSz, nil
	}
	s.cache.mu.Unlock()

	hdr := make([]byte, 2)
	if _, err := s.r.ReadAt(hdr, int64(fileOffset)); err != nil {
		return nil, 0, err
	}
	lenN := s.kind.DataOrder.Uint16(hdr)
	uncompressed := lenN&metadataUncompressedFlag != 0
	payloadLen := int(lenN & metadataLenMask)
	if payloadLen > maxMetadataBlock {
		return nil, 0, ErrCorrupted
	}

	raw := make([]byte, payloadLen)
	if _, err := s.r.ReadAt(raw, int64(fileOffset)+2); err != nil {
		return nil, 0, err
	}

	var payload []byte
	if uncompressed {
		payload = raw
	} else {
		var err error
		payload, err = s.codec.Decompress(s.comp, raw)
		if err != nil {
			log.WithError(err).WithField("offset", fileOffset).Warn("squashfs: metadata block decompress failed")
			return nil, 0, ErrCorrupted
		}
	}
	if len(payload) > maxMetadataBlock {
		return nil, 0, ErrAllocationTooLarge
	}

	onDiskSz := uint64(2 + payloadLen)

	s.cache.mu.Lock()
	s.cache.blocks[fileOffset] = cachedBlock{payload: payload, onDiskSz: onDiskSz}
	s.cache.mu.Unlock()

	return payload, onDiskSz, nil
}

// metadataReader is a streaming reader over the metadata virtual address
// space, starting at a given (block file offset, intra-block offset) and
// transparently crossing into subsequent blocks as they're consumed. It backs
// both the inode table and the directory table (spec §4.3).
type metadataReader struct {
	src  *source
	next uint64 // file offset of the next block to decompress
	buf  []byte // remaining bytes of the current block
}

// newMetadataReaderAt builds a metadataReader starting at the block whose
// header lives at fileOffset, already advanced by startOffset bytes into that
// block's decompressed payload.
func newMetadataReaderAt(src *source, fileOffset uint64, startOffset int) (*metadataReader, error) {
	mr := &metadataReader{src: src, next: fileOffset}
	if err := mr.fill(); err != nil {
		return nil, err
	}
	if startOffset > 0 {
		if startOffset > len(mr.buf) {
			return nil, ErrCorrupted
		}
		mr.buf = mr.buf[startOffset:]
	}
	return mr, nil
}

func (mr *metadataReader) fill() error {
	payload, onDiskSz, err := mr.src.readBlockAt(mr.next)
	if err != nil {
		return err
	}
	mr.buf = payload
	mr.next += onDiskSz
	return nil
}

func (mr *metadataReader) Read(p []byte) (int, error) {
	if len(mr.buf) == 0 {
		if err := mr.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, mr.buf)
	mr.buf = mr.buf[n:]
	return n, nil
}

// metadataWriter packs an arbitrary byte stream into 8 KiB (uncompressed)
// metadata blocks, compressing each and falling back to storing it raw (with
// the high-bit flag set) when compression doesn't shrink it (spec §4.3).
// It is used for both the inode table and the directory table.
type metadataWriter struct {
	kind  Kind
	codec Codec
	comp  SquashComp
	cfg   CompressorConfig

	pending []byte
	out     []byte
	flushed uint64 // sum of (2+payloadLen) over blocks already written to out
}

func newMetadataWriter(kind Kind, comp SquashComp, cfg CompressorConfig) *metadataWriter {
	return &metadataWriter{kind: kind, codec: kind.codec(), comp: comp, cfg: cfg}
}

// Pos returns the address (block start relative to the start of this writer's
// output, offset within that block's uncompressed payload) that the next byte
// written will land at. Entries that reference a location "later in the same
// table" (e.g. a directory's start_block/offset pointing at its own inode)
// capture this before writing.
func (w *metadataWriter) Pos() (blockStart uint64, offset uint16) {
	return w.flushed, uint16(len(w.pending))
}

func (w *metadataWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		avail := maxMetadataBlock - len(w.pending)
		take := avail
		if take > len(p) {
			take = len(p)
		}
		w.pending = append(w.pending, p[:take]...)
		p = p[take:]
		if len(w.pending) == maxMetadataBlock {
			if err := w.flush(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func (w *metadataWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	compressed, err := w.codec.Compress(w.comp, w.pending, w.cfg)
	var header [2]byte
	if err != nil || len(compressed) >= len(w.pending) {
		w.kind.DataOrder.PutUint16(header[:], uint16(len(w.pending))|metadataUncompressedFlag)
		w.out = append(w.out, header[:]...)
		w.out = append(w.out, w.pending...)
		w.flushed += uint64(2 + len(w.pending))
	} else {
		w.kind.DataOrder.PutUint16(header[:], uint16(len(compressed)))
		w.out = append(w.out, header[:]...)
		w.out = append(w.out, compressed...)
		w.flushed += uint64(2 + len(compressed))
	}
	w.pending = w.pending[:0]
	return nil
}

// Finalize flushes any partial block and returns the fully serialized table.
func (w *metadataWriter) Finalize() ([]byte, error) {
	if err := w.flush(); err != nil {
		return nil, err
	}
	return w.out, nil
}
