package squashfs

import (
	"bytes"
	"encoding/binary"
)

// SuperblockV3Size is the on-disk size in bytes of a v3 superblock. v3 predates
// the unified id table (spec §3's "Id table") and instead carries separate uid
// and guid indirection tables, and no export table at all. This library only
// reads v3 images (spec §1 non-goals: "v3 is read-only").
const SuperblockV3Size = 100

// SuperblockV3 is the fixed-size v3 header. It is kept as a distinct type from
// Superblock (the v4 layout) rather than folded into one struct with optional
// fields, since the two versions disagree on which tables exist at all.
type SuperblockV3 struct {
	Magic              uint32
	InodeCount         uint32
	BytesUsedHigh      uint32 // legacy 32-bit mirror, unused by this reader
	UIDStartHigh       uint32
	GUIDStartHigh      uint32
	InodeTableStartHi  uint32
	DirTableStartHi    uint32
	VMajor             uint16
	VMinor             uint16
	BlockSize16        uint16
	BlockLog           uint16
	Flags              uint8
	NoUIDs             uint8
	NoGUIDs            uint8
	_                  uint8 // padding
	MkfsTime           uint32
	BytesUsed          uint64
	UIDStart           uint64
	GUIDStart          uint64
	InodeTableStart    uint64
	DirTableStart      uint64
	FragTableStart     uint64
	LookupTableStart   uint64
}

// UnmarshalBinaryKind decodes a v3 superblock using the byte order of k.
func (s *SuperblockV3) UnmarshalBinaryKind(data []byte, k Kind) error {
	if len(data) < SuperblockV3Size {
		return ErrInvalidSuper
	}
	if !k.MatchesMagic(data) {
		return ErrInvalidFile
	}
	r := bytes.NewReader(data[:SuperblockV3Size])
	order := k.TypeOrder
	fields := []any{
		&s.Magic, &s.InodeCount, &s.BytesUsedHigh, &s.UIDStartHigh, &s.GUIDStartHigh,
		&s.InodeTableStartHi, &s.DirTableStartHi, &s.VMajor, &s.VMinor, &s.BlockSize16,
		&s.BlockLog, &s.Flags, &s.NoUIDs, &s.NoGUIDs, new(uint8), &s.MkfsTime,
		&s.BytesUsed, &s.UIDStart, &s.GUIDStart, &s.InodeTableStart, &s.DirTableStart,
		&s.FragTableStart, &s.LookupTableStart,
	}
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return err
		}
	}
	if s.VMajor != 3 {
		return &UnsupportedVersionError{Major: s.VMajor, Minor: s.VMinor}
	}
	return nil
}

func (s *SuperblockV3) BlockSize() uint32 {
	return uint32(s.BlockSize16)
}
