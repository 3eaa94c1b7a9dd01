package squashfs

import (
	"bytes"
	"encoding/binary"
)

// SuperblockSize is the on-disk size in bytes of a v4 superblock.
const SuperblockSize = 96

// noTable marks a v4 table pointer as absent.
const noTable = 0xFFFFFFFFFFFFFFFF

// Superblock is the fixed-size header at the start of every SquashFS image.
// Field order matches the on-disk v4 layout; see https://dr-emann.github.io/squashfs/.
type Superblock struct {
	Magic            uint32
	InodeCount       uint32
	ModTime          int32
	BlockSize        uint32
	FragCount        uint32
	Comp             SquashComp
	BlockLog         uint16
	Flags            SquashFlags
	IDCount          uint16
	VMajor           uint16
	VMinor           uint16
	RootInode        uint64
	BytesUsed        uint64
	IDTableStart     uint64
	XattrTableStart  uint64
	InodeTableStart  uint64
	DirTableStart    uint64
	FragTableStart   uint64
	ExportTableStart uint64
}

// UnmarshalBinaryKind decodes a v4 superblock using the byte order of k,
// verifying the magic against k and the version against k.
func (s *Superblock) UnmarshalBinaryKind(data []byte, k Kind) error {
	if len(data) < SuperblockSize {
		return ErrInvalidSuper
	}
	if !k.MatchesMagic(data) {
		return ErrInvalidFile
	}
	r := bytes.NewReader(data[:SuperblockSize])
	order := k.TypeOrder
	fields := []any{
		&s.Magic, &s.InodeCount, &s.ModTime, &s.BlockSize, &s.FragCount,
		&s.Comp, &s.BlockLog, &s.Flags, &s.IDCount, &s.VMajor, &s.VMinor,
		&s.RootInode, &s.BytesUsed, &s.IDTableStart, &s.XattrTableStart,
		&s.InodeTableStart, &s.DirTableStart, &s.FragTableStart, &s.ExportTableStart,
	}
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return err
		}
	}
	if s.VMajor != k.VMajor || s.VMinor != k.VMinor {
		return &UnsupportedVersionError{Major: s.VMajor, Minor: s.VMinor}
	}
	if s.BlockSize == 0 || s.BlockSize&(s.BlockSize-1) != 0 {
		return ErrInvalidSuper
	}
	if (uint32(1) << s.BlockLog) != s.BlockSize {
		return ErrInvalidSuper
	}
	return nil
}

// MarshalBinaryKind encodes the superblock using the byte order of k.
func (s *Superblock) MarshalBinaryKind(k Kind) []byte {
	var buf bytes.Buffer
	order := k.TypeOrder
	fields := []any{
		s.Magic, s.InodeCount, s.ModTime, s.BlockSize, s.FragCount,
		s.Comp, s.BlockLog, s.Flags, s.IDCount, s.VMajor, s.VMinor,
		s.RootInode, s.BytesUsed, s.IDTableStart, s.XattrTableStart,
		s.InodeTableStart, s.DirTableStart, s.FragTableStart, s.ExportTableStart,
	}
	for _, f := range fields {
		_ = binary.Write(&buf, order, f)
	}
	return buf.Bytes()
}

// encodeRootInode packs a metadata (block, offset) pair into the superblock's
// root_inode pointer representation, per spec §3.
func encodeRootInode(blockOffset uint64, offsetInBlock uint16) uint64 {
	return (blockOffset << 16) | uint64(offsetInBlock)
}

func decodeRootInode(v uint64) (blockOffset uint64, offsetInBlock uint16) {
	return v >> 16, uint16(v & 0xffff)
}
