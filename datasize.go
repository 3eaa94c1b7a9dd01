package squashfs

// DataSize is the on-disk encoding of one data or fragment block's stored
// size (spec §3): the low 24 bits carry the byte length, bit 24 flags that
// the block was stored uncompressed because compression didn't shrink it.
// isStoredUncompressed/strippedSize exist as named helpers (spec §4.2) so callers
// never confuse the flag bit with the magnitude.
const dataSizeUncompressedFlag = 1 << 24
const dataSizeMask = dataSizeUncompressedFlag - 1

// encodeDataSize packs a block's stored length and uncompressed flag into
// the wire representation. size must be < 2^24 (spec §8's DataSize invariant).
func encodeDataSize(size uint32, storedUncompressed bool) uint32 {
	v := size & dataSizeMask
	if storedUncompressed {
		v |= dataSizeUncompressedFlag
	}
	return v
}

// isStoredUncompressed reports whether raw's bit 24 (the uncompressed flag) is set.
func isStoredUncompressed(raw uint32) bool {
	return raw&dataSizeUncompressedFlag != 0
}

// strippedSize returns raw with the uncompressed flag masked off.
func strippedSize(raw uint32) uint32 {
	return raw & dataSizeMask
}
