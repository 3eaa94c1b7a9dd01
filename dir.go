package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
)

// dirHeader precedes a run of dirEntry records in the directory table (spec
// §3). count is stored on disk as count-1 (entries run 1..256); start and
// inodeNum let every entry in the run encode only a cheap delta.
type dirHeader struct {
	Count     uint32 // entries in this run, already -1 as stored on disk
	StartBlk  uint32 // inode-table block address entries in this run share
	InodeNum  uint32 // reference inode number entries' InoOffset is relative to
}

func (h dirHeader) marshal(w io.Writer, order binary.ByteOrder) error {
	return marshalFields(w, order, h.Count, h.StartBlk, h.InodeNum)
}

func unmarshalDirHeader(r io.Reader, order binary.ByteOrder) (dirHeader, error) {
	var h dirHeader
	err := unmarshalFields(r, order, &h.Count, &h.StartBlk, &h.InodeNum)
	return h, err
}

// dirEntry is one directory-table record (spec §3). The entry's actual inode
// number is header.InodeNum + InoOffset.
type dirEntry struct {
	Offset    uint16
	InoOffset int16
	InoType   Type
	Name      string
}

func (e dirEntry) marshal(w io.Writer, order binary.ByteOrder) error {
	if err := marshalFields(w, order, e.Offset, e.InoOffset, e.InoType, uint16(len(e.Name)-1)); err != nil {
		return err
	}
	_, err := w.Write([]byte(e.Name))
	return err
}

func unmarshalDirEntry(r io.Reader, order binary.ByteOrder) (dirEntry, error) {
	var e dirEntry
	var nameSize uint16
	if err := unmarshalFields(r, order, &e.Offset, &e.InoOffset, &e.InoType, &nameSize); err != nil {
		return e, err
	}
	buf := make([]byte, int(nameSize)+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return e, err
	}
	if err := validateName(string(buf)); err != nil {
		return e, err
	}
	e.Name = string(buf)
	return e, nil
}

// dirIndexEntry accelerates name lookup inside a large (ExtendedDirectory)
// directory: one per dir-table sub-block the directory spans (spec §3).
type dirIndexEntry struct {
	Index uint32 // byte offset from the first header of this directory
	Start uint32 // dir-table block offset
	Name  string
}

func (e dirIndexEntry) marshal(w io.Writer, order binary.ByteOrder) error {
	if err := marshalFields(w, order, e.Index, e.Start, uint32(len(e.Name)-1)); err != nil {
		return err
	}
	_, err := w.Write([]byte(e.Name))
	return err
}

func unmarshalDirIndexEntry(r io.Reader, order binary.ByteOrder) (dirIndexEntry, error) {
	var e dirIndexEntry
	var nameSize uint32
	if err := unmarshalFields(r, order, &e.Index, &e.Start, &nameSize); err != nil {
		return e, err
	}
	buf := make([]byte, int(nameSize)+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return e, err
	}
	e.Name = string(buf)
	return e, nil
}

// dirChildRef is what the directory walk needs about one child while reading
// an image: enough to resolve the child's own inode and, transitively, its
// name for path accumulation (spec §4.5 step 6).
type dirChildRef struct {
	Name     string
	Type     Type
	InodeNum uint32
	InodeAt  inodeRef
}

// readDirEntries decodes every header+entries run covering exactly size bytes
// of directory-table data starting at r's current position (spec §4.5 step
// 6). size is the dir inode's FileSize field.
func readDirEntries(r io.Reader, order binary.ByteOrder, size uint32) ([]dirChildRef, error) {
	if size <= 3 {
		return nil, nil
	}
	lr := &io.LimitedReader{R: r, N: int64(size)}
	var out []dirChildRef
	for lr.N > 3 {
		hdr, err := unmarshalDirHeader(lr, order)
		if err != nil {
			return nil, err
		}
		count := int(hdr.Count) + 1
		for i := 0; i < count; i++ {
			e, err := unmarshalDirEntry(lr, order)
			if err != nil {
				return nil, err
			}
			inoNum := uint32(int64(hdr.InodeNum) + int64(e.InoOffset))
			out = append(out, dirChildRef{
				Name:     e.Name,
				Type:     e.InoType,
				InodeNum: inoNum,
				InodeAt:  inodeRef((uint64(hdr.StartBlk) << 16) | uint64(e.Offset)),
			})
		}
	}
	return out, nil
}

const maxDirHeaderEntries = 256

type dirChildPos struct {
	Name       string
	Type       Type
	InodeNum   uint32
	BlockStart uint32 // inode-table block address of this child's inode
	Offset     uint16 // offset within that block
}

// buildDirEntries emits one or more dirHeader+entries runs covering children,
// splitting into a new dirHeader whenever a run would exceed 256 entries or
// the child's inode moves to a different metadata block (spec §3, §4.7 step
// 6, and the "dir-header splitting rule" design note in spec §9). Children
// must already be sorted by Name (unsigned lexicographic). Returns the
// serialized bytes plus a directory index (one entry per run) for use by an
// ExtendedDirectory inode.
func buildDirEntries(order binary.ByteOrder, children []dirChildPos) ([]byte, []dirIndexEntry, error) {
	var buf bytes.Buffer
	var index []dirIndexEntry

	i := 0
	for i < len(children) {
		j := i + 1
		for j < len(children) &&
			j-i < maxDirHeaderEntries &&
			children[j].BlockStart == children[i].BlockStart {
			j++
		}
		run := children[i:j]

		index = append(index, dirIndexEntry{
			Index: uint32(buf.Len()),
			Start: run[0].BlockStart,
			Name:  run[0].Name,
		})

		hdr := dirHeader{Count: uint32(len(run) - 1), StartBlk: run[0].BlockStart, InodeNum: run[0].InodeNum}
		if err := hdr.marshal(&buf, order); err != nil {
			return nil, nil, err
		}
		for _, c := range run {
			e := dirEntry{
				Offset:    c.Offset,
				InoOffset: int16(int64(c.InodeNum) - int64(run[0].InodeNum)),
				InoType:   c.Type,
				Name:      c.Name,
			}
			if err := e.marshal(&buf, order); err != nil {
				return nil, nil, err
			}
		}
		i = j
	}
	return buf.Bytes(), index, nil
}
