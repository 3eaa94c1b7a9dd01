package squashfs

import (
	"bytes"
	"crypto/sha256"
	"io"
)

// dataExtent is everything a file inode needs to point at its content after
// the data phase has run (spec §4.7 step 2).
type dataExtent struct {
	blocksStart uint64
	blockSizes  []uint32 // DataSize-encoded
	fragIndex   uint32
	fragOffset  uint32
	fileSize    uint64
}

// dataWriter implements the write path's data-block pipeline (spec §4.4 and
// §4.7 steps 2-3): chunk into block_size pieces, compress each (falling back
// to raw storage when compression doesn't shrink it), route the final short
// piece to the fragment packer, and dedup whole files and individual blocks
// against everything already emitted.
type dataWriter struct {
	w *Writer

	frag *fragmentPacker

	fileDedup  map[[32]byte]dataExtent
	blockDedup map[[32]byte]blockExtent

	// pendingHash tracks the whole-file hash of a node whose tail has gone
	// to the fragment packer but whose fragment index isn't resolved yet, so
	// it can't be registered in fileDedup until the packer flushes.
	pendingHash map[*Node][32]byte

	deduplicated bool
}

type blockExtent struct {
	offset uint64
	size   uint32 // DataSize-encoded
}

func newDataWriter(w *Writer) *dataWriter {
	dw := &dataWriter{
		w:           w,
		fileDedup:   make(map[[32]byte]dataExtent),
		blockDedup:  make(map[[32]byte]blockExtent),
		pendingHash: make(map[*Node][32]byte),
	}
	dw.frag = newFragmentPacker(dw)
	return dw
}

// writeNode streams n's content (from its DataSource or, for an unmodified
// node carried over from a reader-tree, its FileReader) through the
// compress/dedup/fragment pipeline and fills in n's extent fields.
func (dw *dataWriter) writeNode(n *Node) error {
	content, err := readNodeContent(n)
	if err != nil {
		return err
	}
	defer content.Close()

	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	n.fileSize = uint64(len(data))

	if !dw.w.noDedup {
		h := sha256.Sum256(data)
		if ext, ok := dw.fileDedup[h]; ok {
			n.blocksStart = ext.blocksStart
			n.blockSizes = ext.blockSizes
			n.fragIndex = ext.fragIndex
			n.fragOffset = ext.fragOffset
			dw.deduplicated = true
			return nil
		}
		if len(data) > 0 {
			dw.pendingHash[n] = h
		}
	}

	return dw.writeFresh(n, data)
}

func readNodeContent(n *Node) (io.ReadCloser, error) {
	if n.writerSrc != nil {
		return n.writerSrc.Open()
	}
	if n.reader != nil {
		// n.reader is the image-wide source; build a fresh FileReader bound
		// to this node's recorded extent and read it start to end.
		fr := &FileReader{src: n.reader, node: n, curBlock: -1}
		return io.NopCloser(io.LimitReader(fr, int64(n.fileSize))), nil
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// writeFresh chunks data into block_size pieces, compresses and dedups each
// full block, and routes the tail into the fragment packer unless the file
// is exactly block-aligned (or no_fragments is set), per spec §4.4.
func (dw *dataWriter) writeFresh(n *Node, data []byte) error {
	bs := int(dw.w.blockSize)
	n.fragIndex = 0xFFFFFFFF
	n.fragOffset = 0

	if len(data) == 0 {
		n.blocksStart = 0
		n.blockSizes = nil
		return nil
	}

	full := len(data) / bs
	tailLen := len(data) % bs
	useFragment := !dw.w.noFragments && (tailLen > 0 || dw.w.alwaysFragments)
	if useFragment && dw.w.alwaysFragments && tailLen == 0 && full > 0 {
		full--
		tailLen = bs
	}

	first := true
	for i := 0; i < full; i++ {
		block := data[i*bs : (i+1)*bs]
		start, size, err := dw.writeDataBlock(block)
		if err != nil {
			return err
		}
		if first {
			n.blocksStart = start
			first = false
		}
		n.blockSizes = append(n.blockSizes, size)
	}

	if useFragment {
		tail := data[len(data)-tailLen:]
		if first {
			n.blocksStart = 0
		}
		if err := dw.frag.add(n, tail); err != nil {
			return err
		}
	} else if tailLen > 0 {
		tail := data[len(data)-tailLen:]
		start, size, err := dw.writeDataBlock(tail)
		if err != nil {
			return err
		}
		if first {
			n.blocksStart = start
		}
		n.blockSizes = append(n.blockSizes, size)
	}
	return nil
}

// writeDataBlock compresses raw (falling back to storing it uncompressed if
// that doesn't shrink it), dedups it against every block already emitted,
// and returns its on-disk start offset and DataSize-encoded length.
func (dw *dataWriter) writeDataBlock(raw []byte) (uint64, uint32, error) {
	if !dw.w.noDedup {
		h := sha256.Sum256(raw)
		if ext, ok := dw.blockDedup[h]; ok {
			dw.deduplicated = true
			return ext.offset, ext.size, nil
		}
		start, size, err := dw.emitBlock(raw)
		if err != nil {
			return 0, 0, err
		}
		dw.blockDedup[h] = blockExtent{offset: start, size: size}
		return start, size, nil
	}
	return dw.emitBlock(raw)
}

func (dw *dataWriter) emitBlock(raw []byte) (uint64, uint32, error) {
	compressed, err := dw.w.kind.codec().Compress(dw.w.comp, raw, dw.w.compCfg)
	var payload []byte
	uncompressed := false
	if err != nil || len(compressed) >= len(raw) {
		payload = raw
		uncompressed = true
	} else {
		payload = compressed
	}
	if len(payload) >= 1<<24 {
		return 0, 0, ErrAllocationTooLarge
	}
	start, err := dw.w.emit(payload)
	if err != nil {
		return 0, 0, err
	}
	return start, encodeDataSize(uint32(len(payload)), uncompressed), nil
}

// finish flushes any partially filled fragment, called once after every node
// has been written.
func (dw *dataWriter) finish() error {
	return dw.frag.flush()
}

// fragmentPacker accumulates tail blocks from different files and, once full
// (or at finalize), emits one shared fragment block and assigns the
// resulting fragment index/offset to every contributing node (spec §4.4).
type fragmentPacker struct {
	dw       *dataWriter
	pending  bytes.Buffer
	contribs []*Node
	offsets  []uint32
	table    []fragmentRecord
}

func newFragmentPacker(dw *dataWriter) *fragmentPacker {
	return &fragmentPacker{dw: dw}
}

func (fp *fragmentPacker) add(n *Node, tail []byte) error {
	off := uint32(fp.pending.Len())
	fp.pending.Write(tail)
	fp.contribs = append(fp.contribs, n)
	fp.offsets = append(fp.offsets, off)
	if fp.pending.Len() >= int(fp.dw.w.blockSize) {
		return fp.flush()
	}
	return nil
}

func (fp *fragmentPacker) flush() error {
	if fp.pending.Len() == 0 {
		return nil
	}
	raw := append([]byte(nil), fp.pending.Bytes()...)
	start, size, err := fp.dw.writeDataBlock(raw)
	if err != nil {
		return err
	}
	idx := uint32(len(fp.table))
	fp.table = append(fp.table, fragmentRecord{Start: start, Size: size})

	for i, n := range fp.contribs {
		n.fragIndex = idx
		n.fragOffset = fp.offsets[i]
		if h, ok := fp.dw.pendingHash[n]; ok {
			fp.dw.fileDedup[h] = dataExtent{
				blocksStart: n.blocksStart, blockSizes: n.blockSizes,
				fragIndex: n.fragIndex, fragOffset: n.fragOffset, fileSize: n.fileSize,
			}
			delete(fp.dw.pendingHash, n)
		}
	}

	fp.pending.Reset()
	fp.contribs = nil
	fp.offsets = nil
	return nil
}
