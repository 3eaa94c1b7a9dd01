package squashfs

import "io"

// FileReader is a seekable, lazily-decompressing reader over one file's
// content inside a parsed image (spec §4.4). It maps absolute positions to
// (block index, in-block offset) and caches the most recently decompressed
// data block, so repeated reads within one block are O(1).
type FileReader struct {
	src  *source
	node *Node

	pos int64

	curBlock int // index into node.blockSizes, or -1 if nothing cached; len(blockSizes) means the fragment tail
	curData  []byte
}

// Reader opens a seekable reader over n's content. n must be a file node
// produced by ReadImage (it must carry a reader-backed extent description).
func (fs *Filesystem) Reader(n *Node) (*FileReader, error) {
	if n.Kind != NodeFile {
		return nil, ErrUnexpectedInode
	}
	if n.reader == nil {
		return nil, ErrFileNotFound
	}
	return &FileReader{src: n.reader, node: n, curBlock: -1}, nil
}

// Size returns the file's logical length.
func (f *FileReader) Size() int64 { return int64(f.node.fileSize) }

// Seek implements io.Seeker. Seeking past the end is allowed (mirrors POSIX,
// spec §4.4/§8); a resulting negative offset is an error.
func (f *FileReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		newPos = int64(f.node.fileSize) + offset
	default:
		return 0, ErrInvalidFilePath
	}
	if newPos < 0 {
		return 0, ErrInvalidFilePath
	}
	f.pos = newPos
	return f.pos, nil
}

// Read implements io.Reader. A read at or past the logical end of the file
// returns (0, io.EOF) without touching the underlying source (spec §8).
func (f *FileReader) Read(p []byte) (int, error) {
	if f.pos >= int64(f.node.fileSize) {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	blockSize := int64(f.src.blockSize)
	block := int(f.pos / blockSize)
	inBlockOff := int(f.pos % blockSize)

	if block != f.curBlock {
		data, err := f.loadBlock(block)
		if err != nil {
			return 0, err
		}
		f.curData = data
		f.curBlock = block
	}

	if inBlockOff > len(f.curData) {
		return 0, ErrCorrupted
	}
	avail := f.curData[inBlockOff:]
	remaining := int64(f.node.fileSize) - f.pos
	if int64(len(avail)) > remaining {
		avail = avail[:remaining]
	}
	n := copy(p, avail)
	f.pos += int64(n)
	return n, nil
}

// loadBlock decompresses the data or fragment block covering block index idx
// (one of [0, len(blockSizes)]; the index equal to len(blockSizes) selects
// the fragment tail when the file has one).
func (f *FileReader) loadBlock(idx int) ([]byte, error) {
	n := f.node
	if idx < len(n.blockSizes) {
		raw := n.blockSizes[idx]
		size := strippedSize(raw)
		if size == 0 {
			// A data-size of zero is a sparse (all-zero) block.
			return make([]byte, f.src.blockSize), nil
		}
		blockOffset := uint64(0)
		for i := 0; i < idx; i++ {
			blockOffset += uint64(strippedSize(n.blockSizes[i]))
		}
		buf := make([]byte, size)
		if _, err := f.src.r.ReadAt(buf, int64(n.blocksStart+blockOffset)); err != nil {
			return nil, err
		}
		if isStoredUncompressed(raw) {
			return buf, nil
		}
		return f.src.codec.Decompress(f.src.comp, buf)
	}

	// Fragment tail.
	payload, err := f.src.fragmentPayload(n.fragIndex)
	if err != nil {
		return nil, err
	}
	if uint64(n.fragOffset) > uint64(len(payload)) {
		return nil, ErrCorrupted
	}
	return payload[n.fragOffset:], nil
}
