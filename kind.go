package squashfs

import "encoding/binary"

// Kind selects the on-disk grammar of an image: its magic bytes, the byte order used
// for integers inside records, the (possibly different) byte order used for metadata
// block length prefixes, the version this Kind parses, and the codec used to compress
// its data. Kinds are values, not types, so a caller can build a custom one inline.
type Kind struct {
	Name string

	Magic [4]byte

	// TypeOrder is the byte order of integer fields inside binary records
	// (superblock, inodes, directory entries, tables).
	TypeOrder binary.ByteOrder

	// DataOrder is the byte order of metadata block length prefixes. DataSize
	// fields are decoded with TypeOrder. On every built-in Kind but AVM_BE_V4_0
	// this is the same as TypeOrder.
	DataOrder binary.ByteOrder

	VMajor, VMinor uint16

	// Codec is consulted for decompress/compress/compression-options. nil means
	// "use DefaultCodec", resolved lazily so zero-value Kinds still work.
	Codec Codec
}

func (k Kind) codec() Codec {
	if k.Codec != nil {
		return k.Codec
	}
	return DefaultCodec
}

// IsV3 reports whether this Kind parses the read-only v3 grammar.
func (k Kind) IsV3() bool {
	return k.VMajor == 3
}

// MatchesMagic reports whether the first 4 bytes of an image match this Kind.
func (k Kind) MatchesMagic(b []byte) bool {
	return len(b) >= 4 && b[0] == k.Magic[0] && b[1] == k.Magic[1] && b[2] == k.Magic[2] && b[3] == k.Magic[3]
}

var (
	magicLE = [4]byte{'h', 's', 'q', 's'}
	magicBE = [4]byte{'s', 'q', 's', 'h'}
)

// Built-in kinds. LE_V4_0 is what mksquashfs produces on essentially every Linux
// distribution; BE_V4_0 shows up on some network equipment and game consoles;
// AVM_BE_V4_0 is the AVM/Fritz!Box firmware variant that keeps metadata lengths
// little-endian while everything else is big-endian; the V3 kinds are read-only.
var (
	LE_V4_0 = Kind{
		Name: "le_v4_0", Magic: magicLE,
		TypeOrder: binary.LittleEndian, DataOrder: binary.LittleEndian,
		VMajor: 4, VMinor: 0,
	}
	BE_V4_0 = Kind{
		Name: "be_v4_0", Magic: magicBE,
		TypeOrder: binary.BigEndian, DataOrder: binary.BigEndian,
		VMajor: 4, VMinor: 0,
	}
	AVM_BE_V4_0 = Kind{
		Name: "avm_be_v4_0", Magic: magicBE,
		TypeOrder: binary.BigEndian, DataOrder: binary.LittleEndian,
		VMajor: 4, VMinor: 0,
	}
	LE_V3_0 = Kind{
		Name: "le_v3_0", Magic: magicLE,
		TypeOrder: binary.LittleEndian, DataOrder: binary.LittleEndian,
		VMajor: 3, VMinor: 0,
		Codec: v3Codec{},
	}
	BE_V3_0 = Kind{
		Name: "be_v3_0", Magic: magicBE,
		TypeOrder: binary.BigEndian, DataOrder: binary.BigEndian,
		VMajor: 3, VMinor: 0,
		Codec: v3Codec{},
	}
)

// detectKind inspects the magic at the start of head and returns the matching
// built-in Kind. v3 and v4 share magic bytes, so the superblock's version field
// disambiguates them; detectKind only picks the endianness here and lets the
// superblock parser pick v3 vs v4 once it has read VMajor/VMinor.
func detectKind(head []byte) (Kind, error) {
	if len(head) < 4 {
		return Kind{}, ErrInvalidFile
	}
	switch {
	case LE_V4_0.MatchesMagic(head):
		return LE_V4_0, nil
	case BE_V4_0.MatchesMagic(head):
		return BE_V4_0, nil
	default:
		return Kind{}, ErrInvalidFile
	}
}
