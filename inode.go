package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
)

// inodeHeader is the 5-field common prefix carried by every inode kind
// (spec §3: permissions, uid_index, gid_index, mtime, inode_number), preceded
// by the Type discriminant.
type inodeHeader struct {
	Type   Type
	Perm   uint16
	UIDIdx uint16
	GIDIdx uint16
	MTime  int32
	Ino    uint32
}

func marshalFields(w io.Writer, order binary.ByteOrder, fields ...any) error {
	for _, f := range fields {
		if err := binary.Write(w, order, f); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalFields(r io.Reader, order binary.ByteOrder, fields ...any) error {
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return err
		}
	}
	return nil
}

func (h inodeHeader) marshal(w io.Writer, order binary.ByteOrder) error {
	return marshalFields(w, order, h.Type, h.Perm, h.UIDIdx, h.GIDIdx, h.MTime, h.Ino)
}

func unmarshalInodeHeader(r io.Reader, order binary.ByteOrder) (inodeHeader, error) {
	var h inodeHeader
	err := unmarshalFields(r, order, &h.Type, &h.Perm, &h.UIDIdx, &h.GIDIdx, &h.MTime, &h.Ino)
	return h, err
}

// basicDirectoryPayload is the BasicDirectory variant payload (spec §3).
type basicDirectoryPayload struct {
	BlockIndex  uint32
	LinkCount   uint32
	FileSize    uint16
	BlockOffset uint16
	ParentIno   uint32
}

func (p basicDirectoryPayload) marshal(w io.Writer, order binary.ByteOrder) error {
	return marshalFields(w, order, p.BlockIndex, p.LinkCount, p.FileSize, p.BlockOffset, p.ParentIno)
}

func unmarshalBasicDirectory(r io.Reader, order binary.ByteOrder) (basicDirectoryPayload, error) {
	var p basicDirectoryPayload
	err := unmarshalFields(r, order, &p.BlockIndex, &p.LinkCount, &p.FileSize, &p.BlockOffset, &p.ParentIno)
	return p, err
}

// extendedDirectoryPayload is the ExtendedDirectory variant payload: adds an
// index for fast lookup inside large directories (spec §3).
type extendedDirectoryPayload struct {
	LinkCount   uint32
	FileSize    uint32
	BlockIndex  uint32
	ParentIno   uint32
	IndexCount  uint16
	BlockOffset uint16
	XattrIndex  uint32
	Index       []dirIndexEntry
}

func (p extendedDirectoryPayload) marshal(w io.Writer, order binary.ByteOrder) error {
	if err := marshalFields(w, order, p.LinkCount, p.FileSize, p.BlockIndex, p.ParentIno,
		uint16(len(p.Index)), p.BlockOffset, p.XattrIndex); err != nil {
		return err
	}
	for _, idx := range p.Index {
		if err := idx.marshal(w, order); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalExtendedDirectory(r io.Reader, order binary.ByteOrder) (extendedDirectoryPayload, error) {
	var p extendedDirectoryPayload
	if err := unmarshalFields(r, order, &p.LinkCount, &p.FileSize, &p.BlockIndex, &p.ParentIno,
		&p.IndexCount, &p.BlockOffset, &p.XattrIndex); err != nil {
		return p, err
	}
	p.Index = make([]dirIndexEntry, p.IndexCount)
	for i := range p.Index {
		idx, err := unmarshalDirIndexEntry(r, order)
		if err != nil {
			return p, err
		}
		p.Index[i] = idx
	}
	return p, nil
}

// basicFilePayload is the BasicFile variant payload (spec §3): used when
// every field fits 32 bits and the file has exactly one hard link.
type basicFilePayload struct {
	BlocksStart uint32
	FragIndex   uint32
	BlockOffset uint32
	FileSize    uint32
	BlockSizes  []uint32
}

// blockCount implements the block-count rule from spec §3: a file entirely
// made of full blocks has ceil(size/bs) entries; a file with a fragment tail
// has floor(size/bs), since the tail lives in the fragment table instead.
func blockCount(fileSize uint64, blockSize uint32, hasFragment bool) int {
	n := int(fileSize / uint64(blockSize))
	if !hasFragment && fileSize%uint64(blockSize) != 0 {
		n++
	}
	return n
}

func (p basicFilePayload) marshal(w io.Writer, order binary.ByteOrder) error {
	if err := marshalFields(w, order, p.BlocksStart, p.FragIndex, p.BlockOffset, p.FileSize); err != nil {
		return err
	}
	return marshalFields(w, order, p.BlockSizes)
}

func unmarshalBasicFile(r io.Reader, order binary.ByteOrder, blockSize uint32) (basicFilePayload, error) {
	var p basicFilePayload
	if err := unmarshalFields(r, order, &p.BlocksStart, &p.FragIndex, &p.BlockOffset, &p.FileSize); err != nil {
		return p, err
	}
	n := blockCount(uint64(p.FileSize), blockSize, p.FragIndex != 0xFFFFFFFF)
	p.BlockSizes = make([]uint32, n)
	if err := unmarshalFields(r, order, p.BlockSizes); err != nil {
		return p, err
	}
	return p, nil
}

// extendedFilePayload is the ExtendedFile variant payload: used when any
// basic field overflows 32 bits or link_count > 1 (spec §3).
type extendedFilePayload struct {
	BlocksStart uint64
	FileSize    uint64
	Sparse      uint64
	LinkCount   uint32
	FragIndex   uint32
	BlockOffset uint32
	XattrIndex  uint32
	BlockSizes  []uint32
}

func (p extendedFilePayload) marshal(w io.Writer, order binary.ByteOrder) error {
	if err := marshalFields(w, order, p.BlocksStart, p.FileSize, p.Sparse, p.LinkCount,
		p.FragIndex, p.BlockOffset, p.XattrIndex); err != nil {
		return err
	}
	return marshalFields(w, order, p.BlockSizes)
}

func unmarshalExtendedFile(r io.Reader, order binary.ByteOrder, blockSize uint32) (extendedFilePayload, error) {
	var p extendedFilePayload
	if err := unmarshalFields(r, order, &p.BlocksStart, &p.FileSize, &p.Sparse, &p.LinkCount,
		&p.FragIndex, &p.BlockOffset, &p.XattrIndex); err != nil {
		return p, err
	}
	n := blockCount(p.FileSize, blockSize, p.FragIndex != 0xFFFFFFFF)
	p.BlockSizes = make([]uint32, n)
	if err := unmarshalFields(r, order, p.BlockSizes); err != nil {
		return p, err
	}
	return p, nil
}

type symlinkPayload struct {
	LinkCount uint32
	Target    string
}

func (p symlinkPayload) marshal(w io.Writer, order binary.ByteOrder) error {
	if err := marshalFields(w, order, p.LinkCount, uint32(len(p.Target))); err != nil {
		return err
	}
	_, err := w.Write([]byte(p.Target))
	return err
}

func unmarshalSymlink(r io.Reader, order binary.ByteOrder) (symlinkPayload, error) {
	var p symlinkPayload
	var n uint32
	if err := unmarshalFields(r, order, &p.LinkCount, &n); err != nil {
		return p, err
	}
	if n > 4096 {
		return p, ErrCorrupted
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return p, err
	}
	p.Target = string(buf)
	return p, nil
}

// devicePayload backs BasicBlockDevice and BasicCharacterDevice.
type devicePayload struct {
	LinkCount uint32
	Rdev      uint32
}

func (p devicePayload) marshal(w io.Writer, order binary.ByteOrder) error {
	return marshalFields(w, order, p.LinkCount, p.Rdev)
}

func unmarshalDevice(r io.Reader, order binary.ByteOrder) (devicePayload, error) {
	var p devicePayload
	err := unmarshalFields(r, order, &p.LinkCount, &p.Rdev)
	return p, err
}

// ipcPayload backs NamedPipe and Socket, which carry nothing but a link count.
type ipcPayload struct {
	LinkCount uint32
}

func (p ipcPayload) marshal(w io.Writer, order binary.ByteOrder) error {
	return marshalFields(w, order, p.LinkCount)
}

func unmarshalIPC(r io.Reader, order binary.ByteOrder) (ipcPayload, error) {
	var p ipcPayload
	err := unmarshalFields(r, order, &p.LinkCount)
	return p, err
}

// parsedInode is the result of decoding one inode-table entry: the common
// header plus whichever payload its Type selects. Exactly one of the typed
// fields is meaningful, chosen by Type.Basic().
type parsedInode struct {
	Header inodeHeader

	dir     *basicDirectoryPayload
	xdir    *extendedDirectoryPayload
	file    *basicFilePayload
	xfile   *extendedFilePayload
	symlink *symlinkPayload
	device  *devicePayload
	ipc     *ipcPayload
}

// readInode decodes one inode-table entry from r (a metadataReader positioned
// at the inode's address) using kind's byte order and blockSize for the
// file-variant block-count rule.
func readInode(r io.Reader, kind Kind, blockSize uint32) (*parsedInode, error) {
	hdr, err := unmarshalInodeHeader(r, kind.TypeOrder)
	if err != nil {
		return nil, err
	}
	pi := &parsedInode{Header: hdr}
	switch hdr.Type {
	case DirType:
		p, err := unmarshalBasicDirectory(r, kind.TypeOrder)
		if err != nil {
			return nil, err
		}
		pi.dir = &p
	case XDirType:
		p, err := unmarshalExtendedDirectory(r, kind.TypeOrder)
		if err != nil {
			return nil, err
		}
		pi.xdir = &p
	case FileType:
		p, err := unmarshalBasicFile(r, kind.TypeOrder, blockSize)
		if err != nil {
			return nil, err
		}
		pi.file = &p
	case XFileType:
		p, err := unmarshalExtendedFile(r, kind.TypeOrder, blockSize)
		if err != nil {
			return nil, err
		}
		pi.xfile = &p
	case SymlinkType, XSymlinkType:
		p, err := unmarshalSymlink(r, kind.TypeOrder)
		if err != nil {
			return nil, err
		}
		pi.symlink = &p
	case BlockDevType, CharDevType, XBlockDevType, XCharDevType:
		p, err := unmarshalDevice(r, kind.TypeOrder)
		if err != nil {
			return nil, err
		}
		pi.device = &p
	case FifoType, SocketType, XFifoType, XSocketType:
		p, err := unmarshalIPC(r, kind.TypeOrder)
		if err != nil {
			return nil, err
		}
		pi.ipc = &p
	default:
		return nil, ErrUnexpectedInode
	}
	return pi, nil
}

type marshalablePayload interface {
	marshal(io.Writer, binary.ByteOrder) error
}

// marshalInode encodes hdr and payload into their on-disk form using kind's
// byte order. payload is one of the *Payload types defined above.
func marshalInode(kind Kind, hdr inodeHeader, payload marshalablePayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := hdr.marshal(&buf, kind.TypeOrder); err != nil {
		return nil, err
	}
	if err := payload.marshal(&buf, kind.TypeOrder); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
