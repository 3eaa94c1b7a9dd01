package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/bits"
	"time"
)

const noXattrIndex = 0xFFFFFFFF

// Writer assembles a SquashFS image from a Tree and serializes it on Write
// (spec §4.7). It streams data blocks and metadata tables into an internal
// buffer as it walks the tree, since the superblock's table offsets can only
// be known once every table has been sized — the same header-then-body
// layout that forces every SquashFS writer to either seek backward or defer
// emission, and this one defers.
type Writer struct {
	kind      Kind
	blockSize uint32
	comp      SquashComp
	compCfg   CompressorConfig
	modTime   int32

	kibPadding           uint32
	noDedup              bool
	noFragments          bool
	alwaysFragments      bool
	noCompressionOptions bool
	exportTable          bool

	tree *Tree

	out *trackingWriter // working state, valid only during build()
}

// NewWriter creates a Writer seeded with an empty root directory, ready for
// Push* calls (spec §6).
func NewWriter(opts ...WriterOption) *Writer {
	return newWriterWithTree(newTree(Header{Mode: 0755}), LE_V4_0, GZip, opts...)
}

func newWriterWithTree(tree *Tree, kind Kind, comp SquashComp, opts ...WriterOption) *Writer {
	w := &Writer{
		kind: kind, comp: comp, blockSize: 128 * 1024,
		kibPadding: 4, modTime: int32(time.Now().Unix()),
		tree: tree,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// PushFile inserts a regular file at path backed by src, whose content is
// read lazily during Write.
func (w *Writer) PushFile(path string, hdr Header, src DataSource) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	if baseName(p) == "" {
		return ErrUndefinedFileName
	}
	return w.tree.Insert(&Node{FullPath: p, Kind: NodeFile, Header: hdr, writerSrc: src, fileSize: uint64(src.Size())})
}

// PushDir inserts an empty directory at path. The parent must already exist;
// use PushDirAll to create missing ancestors too.
func (w *Writer) PushDir(path string, hdr Header) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	return w.tree.Insert(&Node{FullPath: p, Kind: NodeDir, Header: hdr})
}

// PushDirAll creates path and every missing ancestor as directories carrying hdr.
func (w *Writer) PushDirAll(path string, hdr Header) error {
	return w.tree.PushDirAll(path, hdr)
}

// PushSymlink inserts a symbolic link at path pointing at target.
func (w *Writer) PushSymlink(path string, hdr Header, target string) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	return w.tree.Insert(&Node{FullPath: p, Kind: NodeSymlink, Header: hdr, symTarget: target})
}

// PushCharDevice inserts a character device node at path with the given
// (major, minor) packed into a Linux-style rdev.
func (w *Writer) PushCharDevice(path string, hdr Header, rdev uint32) error {
	return w.pushDevice(path, hdr, rdev, NodeCharDevice)
}

// PushBlockDevice inserts a block device node at path.
func (w *Writer) PushBlockDevice(path string, hdr Header, rdev uint32) error {
	return w.pushDevice(path, hdr, rdev, NodeBlockDevice)
}

func (w *Writer) pushDevice(path string, hdr Header, rdev uint32, kind NodeKind) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	return w.tree.Insert(&Node{FullPath: p, Kind: kind, Header: hdr, rdev: rdev})
}

// PushFifo inserts a named pipe at path.
func (w *Writer) PushFifo(path string, hdr Header) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	return w.tree.Insert(&Node{FullPath: p, Kind: NodeFifo, Header: hdr})
}

// PushSocket inserts a UNIX domain socket at path.
func (w *Writer) PushSocket(path string, hdr Header) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	return w.tree.Insert(&Node{FullPath: p, Kind: NodeSocket, Header: hdr})
}

// ReplaceFile swaps an existing file's content, keeping its header.
func (w *Writer) ReplaceFile(path string, src DataSource) error {
	return w.tree.ReplaceFile(path, src)
}

// Remove deletes the node at path and every descendant.
func (w *Writer) Remove(path string) (int, error) {
	return w.tree.Remove(path)
}

func nodeKindToType(k NodeKind) Type {
	switch k {
	case NodeDir:
		return DirType
	case NodeFile:
		return FileType
	case NodeSymlink:
		return SymlinkType
	case NodeBlockDevice:
		return BlockDevType
	case NodeCharDevice:
		return CharDevType
	case NodeFifo:
		return FifoType
	case NodeSocket:
		return SocketType
	default:
		return 0
	}
}

// trackingWriter accumulates the serialized image in memory, handing out the
// start offset of each write so tables can record where the bytes they
// reference landed.
type trackingWriter struct {
	buf bytes.Buffer
}

func (t *trackingWriter) write(p []byte) (uint64, error) {
	start := uint64(t.buf.Len())
	_, err := t.buf.Write(p)
	return start, err
}

func (t *trackingWriter) pos() uint64 { return uint64(t.buf.Len()) }

// emit is the sink dataWriter writes compressed blocks through: it appends
// data to w.out.
func (w *Writer) emit(data []byte) (uint64, error) {
	return w.out.write(data)
}

// buildCtx carries the per-Write working state threaded through the
// post-order inode walk: the tables being assembled and the id/position
// bookkeeping needed by directory and export-table entries.
type buildCtx struct {
	inodeMW  *metadataWriter
	dirMW    *metadataWriter
	dw       *dataWriter
	ids      *idAllocator
	posByIno map[uint32]uint64 // Ino -> encodeRootInode(blockStart, offset)
}

// idAllocator deduplicates uid/gid values into the shared id table (spec
// §3): UIDIdx and GIDIdx are both indices into one table of raw id values.
type idAllocator struct {
	order []uint32
	index map[uint32]uint16
}

func newIDAllocator() *idAllocator {
	return &idAllocator{index: make(map[uint32]uint16)}
}

func (a *idAllocator) indexFor(id uint32) uint16 {
	if idx, ok := a.index[id]; ok {
		return idx
	}
	idx := uint16(len(a.order))
	a.order = append(a.order, id)
	a.index[id] = idx
	return idx
}

// Write serializes the tree to sink, buffering the image in memory so the
// superblock's table offsets (only known once every table is sized) can be
// written into the first 96 bytes before anything is handed to sink.
func (w *Writer) Write(sink io.Writer) (*Superblock, int64, error) {
	sb, body, err := w.build()
	if err != nil {
		return nil, 0, err
	}
	n, err := sink.Write(body)
	return sb, int64(n), err
}

// WriteWithOffset serializes the tree and writes it at a fixed byte offset
// inside sink, for embedding an image inside a larger container file.
func (w *Writer) WriteWithOffset(sink io.WriterAt, offset int64) (*Superblock, int64, error) {
	sb, body, err := w.build()
	if err != nil {
		return nil, 0, err
	}
	n, err := sink.WriteAt(body, offset)
	return sb, int64(n), err
}

func (w *Writer) build() (*Superblock, []byte, error) {
	if w.kind.VMajor == 3 {
		return nil, nil, &UnsupportedVersionError{Major: 3, Minor: w.kind.VMinor}
	}
	if w.comp == 0 {
		return nil, nil, ErrMissingCompressor
	}
	if w.blockSize == 0 {
		w.blockSize = 128 * 1024
	}

	w.assignInodeNumbers()

	w.out = &trackingWriter{}
	if _, err := w.out.write(make([]byte, SuperblockSize)); err != nil {
		return nil, nil, err
	}

	var compOptBytes []byte
	if !w.noCompressionOptions {
		var err error
		compOptBytes, err = w.kind.codec().CompressionOptions(w.comp, w.compCfg)
		if err != nil {
			return nil, nil, err
		}
	}
	compOptionsFlag := false
	if len(compOptBytes) > 0 {
		var hdr [2]byte
		w.kind.DataOrder.PutUint16(hdr[:], uint16(len(compOptBytes))|metadataUncompressedFlag)
		if _, err := w.out.write(append(hdr[:], compOptBytes...)); err != nil {
			return nil, nil, err
		}
		compOptionsFlag = true
	}

	ctx := &buildCtx{
		inodeMW:  newMetadataWriter(w.kind, w.comp, w.compCfg),
		dirMW:    newMetadataWriter(w.kind, w.comp, w.compCfg),
		dw:       newDataWriter(w),
		ids:      newIDAllocator(),
		posByIno: make(map[uint32]uint64),
	}

	// Data phase (spec §4.7 step 2-3): resolve every file's extent, and flush
	// the fragment packer, before any inode bytes are emitted. A file's
	// FragIndex/BlockOffset aren't final until its fragment-tail contribution
	// either fills the packer's buffer or the packer is flushed at the end of
	// this phase, so no inode can be safely written until every file has run
	// through writeNode and ctx.dw.finish has returned.
	for _, n := range w.tree.nodes {
		if n.Kind == NodeFile {
			if err := ctx.dw.writeNode(n); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := ctx.dw.finish(); err != nil {
		return nil, nil, err
	}

	root := w.tree.nodes[0]
	rootBlock, rootOffset, err := w.writeInode(ctx, root, root.Header.Ino)
	if err != nil {
		return nil, nil, err
	}

	inodeTableStart := w.out.pos()
	inodeBytes, err := ctx.inodeMW.Finalize()
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.out.write(inodeBytes); err != nil {
		return nil, nil, err
	}

	dirTableStart := w.out.pos()
	dirBytes, err := ctx.dirMW.Finalize()
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.out.write(dirBytes); err != nil {
		return nil, nil, err
	}

	fragTableStart := uint64(noTable)
	if len(ctx.dw.frag.table) > 0 {
		fragTableStart, err = w.writeIndexedTable(fragRecordsToBytes(ctx.dw.frag.table, w.kind.TypeOrder))
		if err != nil {
			return nil, nil, err
		}
	}

	idTableStart, err := w.writeIndexedTable(idsToBytes(ctx.ids.order, w.kind.TypeOrder))
	if err != nil {
		return nil, nil, err
	}

	exportTableStart := uint64(noTable)
	if w.exportTable {
		exportTableStart, err = w.writeIndexedTable(w.buildExportTable(ctx))
		if err != nil {
			return nil, nil, err
		}
	}

	if w.kibPadding > 0 {
		boundary := uint64(w.kibPadding) * 1024
		if rem := w.out.pos() % boundary; rem != 0 {
			if _, err := w.out.write(make([]byte, boundary-rem)); err != nil {
				return nil, nil, err
			}
		}
	}

	var flags SquashFlags
	if w.noFragments {
		flags |= NO_FRAGMENTS
	}
	if w.alwaysFragments {
		flags |= ALWAYS_FRAGMENTS
	}
	if ctx.dw.deduplicated {
		flags |= DUPLICATES
	}
	if w.exportTable {
		flags |= EXPORTABLE
	}
	if compOptionsFlag {
		flags |= COMPRESSOR_OPTIONS
	}

	magic := w.kind.TypeOrder.Uint32(w.kind.Magic[:])
	sb := &Superblock{
		Magic: magic, InodeCount: uint32(len(w.tree.nodes)), ModTime: w.modTime,
		BlockSize: w.blockSize, FragCount: uint32(len(ctx.dw.frag.table)), Comp: w.comp,
		BlockLog: uint16(bits.TrailingZeros32(w.blockSize)), Flags: flags,
		IDCount: uint16(len(ctx.ids.order)), VMajor: w.kind.VMajor, VMinor: w.kind.VMinor,
		RootInode: encodeRootInode(rootBlock, rootOffset), BytesUsed: w.out.pos(),
		IDTableStart: idTableStart, XattrTableStart: noTable,
		InodeTableStart: inodeTableStart, DirTableStart: dirTableStart,
		FragTableStart: fragTableStart, ExportTableStart: exportTableStart,
	}

	body := w.out.buf.Bytes()
	copy(body[:SuperblockSize], sb.MarshalBinaryKind(w.kind))
	return sb, body, nil
}

func (w *Writer) assignInodeNumbers() {
	for i, n := range w.tree.nodes {
		n.Header.Ino = uint32(i + 1)
	}
}

// writeInode walks n (and, if it's a directory, its children first, so their
// inode-table positions are known when n's directory entry is built), writes
// its inode record, and returns that record's (block, offset) address.
func (w *Writer) writeInode(ctx *buildCtx, n *Node, parentIno uint32) (uint64, uint16, error) {
	hdr := inodeHeader{
		Perm: n.Header.Mode, UIDIdx: ctx.ids.indexFor(n.Header.UID),
		GIDIdx: ctx.ids.indexFor(n.Header.GID), MTime: n.Header.MTime, Ino: n.Header.Ino,
	}

	var raw []byte
	var err error

	switch n.Kind {
	case NodeDir:
		children, cerr := w.tree.ChildrenOf(n.FullPath)
		if cerr != nil {
			return 0, 0, cerr
		}
		var childPos []dirChildPos
		for _, c := range children {
			cBlock, cOff, err := w.writeInode(ctx, c, n.Header.Ino)
			if err != nil {
				return 0, 0, err
			}
			childPos = append(childPos, dirChildPos{
				Name: baseName(c.FullPath), Type: nodeKindToType(c.Kind).Basic(),
				InodeNum: c.Header.Ino, BlockStart: uint32(cBlock), Offset: cOff,
			})
		}
		dirBytes, index, derr := buildDirEntries(w.kind.TypeOrder, childPos)
		if derr != nil {
			return 0, 0, derr
		}
		dirBlock, dirOffset := ctx.dirMW.Pos()
		if _, err := ctx.dirMW.Write(dirBytes); err != nil {
			return 0, 0, err
		}
		raw, err = buildDirInode(w.kind, hdr, dirBlock, dirOffset, dirBytes, parentIno, len(children), index)

	case NodeFile:
		// n's extent fields were already resolved by the data phase in build(),
		// which must complete (including the fragment packer's final flush)
		// before any inode — this one included — is written.
		raw, err = buildFileInode(w.kind, hdr, n)

	case NodeSymlink:
		hdr.Type = SymlinkType
		raw, err = marshalInode(w.kind, hdr, symlinkPayload{LinkCount: 1, Target: n.symTarget})

	case NodeCharDevice, NodeBlockDevice:
		if n.Kind == NodeCharDevice {
			hdr.Type = CharDevType
		} else {
			hdr.Type = BlockDevType
		}
		raw, err = marshalInode(w.kind, hdr, devicePayload{LinkCount: 1, Rdev: n.rdev})

	case NodeFifo, NodeSocket:
		if n.Kind == NodeFifo {
			hdr.Type = FifoType
		} else {
			hdr.Type = SocketType
		}
		raw, err = marshalInode(w.kind, hdr, ipcPayload{LinkCount: 1})

	default:
		return 0, 0, ErrUnexpectedInode
	}
	if err != nil {
		return 0, 0, err
	}

	blockStart, offset := ctx.inodeMW.Pos()
	if _, err := ctx.inodeMW.Write(raw); err != nil {
		return 0, 0, err
	}
	ctx.posByIno[n.Header.Ino] = encodeRootInode(blockStart, offset)
	return blockStart, offset, nil
}

func buildDirInode(kind Kind, hdr inodeHeader, blockIdx uint64, blockOffset uint16, dirBytes []byte, parentIno uint32, numChildren int, index []dirIndexEntry) ([]byte, error) {
	fileSize := len(dirBytes) + 3
	if fileSize <= 0xFFFF && len(index) == 0 {
		hdr.Type = DirType
		payload := basicDirectoryPayload{
			BlockIndex: uint32(blockIdx), LinkCount: uint32(numChildren + 2),
			FileSize: uint16(fileSize), BlockOffset: blockOffset, ParentIno: parentIno,
		}
		return marshalInode(kind, hdr, payload)
	}
	hdr.Type = XDirType
	payload := extendedDirectoryPayload{
		LinkCount: uint32(numChildren + 2), FileSize: uint32(fileSize), BlockIndex: uint32(blockIdx),
		ParentIno: parentIno, BlockOffset: blockOffset, XattrIndex: noXattrIndex, Index: index,
	}
	return marshalInode(kind, hdr, payload)
}

func buildFileInode(kind Kind, hdr inodeHeader, n *Node) ([]byte, error) {
	useExt := n.blocksStart > 0xFFFFFFFF || n.fileSize > 0xFFFFFFFF
	if !useExt {
		hdr.Type = FileType
		payload := basicFilePayload{
			BlocksStart: uint32(n.blocksStart), FragIndex: n.fragIndex,
			BlockOffset: n.fragOffset, FileSize: uint32(n.fileSize), BlockSizes: n.blockSizes,
		}
		return marshalInode(kind, hdr, payload)
	}
	hdr.Type = XFileType
	payload := extendedFilePayload{
		BlocksStart: n.blocksStart, FileSize: n.fileSize, LinkCount: 1,
		FragIndex: n.fragIndex, BlockOffset: n.fragOffset, XattrIndex: noXattrIndex, BlockSizes: n.blockSizes,
	}
	return marshalInode(kind, hdr, payload)
}

// writeIndexedTable packs entryBytes into metadata blocks, writes them, and
// returns the start offset of the trailing 8-byte block-pointer array — the
// value that goes into the superblock's *TableStart field, mirroring the
// layout readIndexedTable parses (spec §3).
func (w *Writer) writeIndexedTable(entryBytes []byte) (uint64, error) {
	mw := newMetadataWriter(w.kind, w.comp, w.compCfg)
	if _, err := mw.Write(entryBytes); err != nil {
		return 0, err
	}
	body, err := mw.Finalize()
	if err != nil {
		return 0, err
	}
	tableStart, err := w.out.write(body)
	if err != nil {
		return 0, err
	}

	var ptrs []uint64
	pos := 0
	for pos < len(body) {
		lenN := w.kind.DataOrder.Uint16(body[pos : pos+2])
		payloadLen := int(lenN & metadataLenMask)
		ptrs = append(ptrs, tableStart+uint64(pos))
		pos += 2 + payloadLen
	}
	ptrBytes := make([]byte, len(ptrs)*8)
	for i, p := range ptrs {
		w.kind.TypeOrder.PutUint64(ptrBytes[i*8:], p)
	}
	return w.out.write(ptrBytes)
}

func (w *Writer) buildExportTable(ctx *buildCtx) []byte {
	n := len(w.tree.nodes)
	out := make([]byte, n*8)
	for ino := uint32(1); ino <= uint32(n); ino++ {
		w.kind.TypeOrder.PutUint64(out[(ino-1)*8:], ctx.posByIno[ino])
	}
	return out
}

func fragRecordsToBytes(recs []fragmentRecord, order binary.ByteOrder) []byte {
	out := make([]byte, len(recs)*fragmentRecordSize)
	for i, r := range recs {
		order.PutUint64(out[i*fragmentRecordSize:], r.Start)
		order.PutUint32(out[i*fragmentRecordSize+8:], r.Size)
		order.PutUint32(out[i*fragmentRecordSize+12:], r.Unused)
	}
	return out
}

func idsToBytes(ids []uint32, order binary.ByteOrder) []byte {
	out := make([]byte, len(ids)*4)
	for i, id := range ids {
		order.PutUint32(out[i*4:], id)
	}
	return out
}
