package squashfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataSizeRoundTrip(t *testing.T) {
	cases := []struct {
		size         uint32
		uncompressed bool
	}{
		{0, false},
		{0, true},
		{4096, false},
		{131072, true},
		{1<<24 - 1, false},
	}
	for _, c := range cases {
		raw := encodeDataSize(c.size, c.uncompressed)
		require.Equal(t, c.uncompressed, isStoredUncompressed(raw))
		require.Equal(t, c.size, strippedSize(raw))
	}
}

func TestInodeHeaderRoundTrip(t *testing.T) {
	hdr := inodeHeader{Type: FileType, Perm: 0644, UIDIdx: 3, GIDIdx: 1, MTime: 1700000000, Ino: 42}
	var buf bytes.Buffer
	require.NoError(t, hdr.marshal(&buf, binary.LittleEndian))

	got, err := unmarshalInodeHeader(&buf, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, hdr, got)
}

func TestBasicFilePayloadRoundTrip(t *testing.T) {
	p := basicFilePayload{
		BlocksStart: 1024, FragIndex: 0xFFFFFFFF, BlockOffset: 0,
		FileSize: 5000, BlockSizes: []uint32{encodeDataSize(2048, false), encodeDataSize(2952, true)},
	}
	var buf bytes.Buffer
	require.NoError(t, p.marshal(&buf, binary.LittleEndian))

	got, err := unmarshalBasicFile(&buf, binary.LittleEndian, 4096)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestExtendedFilePayloadRoundTrip(t *testing.T) {
	p := extendedFilePayload{
		BlocksStart: 1 << 40, FileSize: 5000, Sparse: 0, LinkCount: 1,
		FragIndex: 7, BlockOffset: 128, XattrIndex: noXattrIndex,
		BlockSizes: []uint32{encodeDataSize(4096, false)},
	}
	var buf bytes.Buffer
	require.NoError(t, p.marshal(&buf, binary.BigEndian))

	got, err := unmarshalExtendedFile(&buf, binary.BigEndian, 4096)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestSymlinkPayloadRoundTrip(t *testing.T) {
	p := symlinkPayload{LinkCount: 1, Target: "../lib/libc.so.6"}
	var buf bytes.Buffer
	require.NoError(t, p.marshal(&buf, binary.LittleEndian))

	got, err := unmarshalSymlink(&buf, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestMarshalInodeDispatchesByType(t *testing.T) {
	hdr := inodeHeader{Type: SymlinkType, Perm: 0777, Ino: 9}
	raw, err := marshalInode(LE_V4_0, hdr, symlinkPayload{LinkCount: 1, Target: "x"})
	require.NoError(t, err)

	pi, err := readInode(bytes.NewReader(raw), LE_V4_0, 131072)
	require.NoError(t, err)
	require.NotNil(t, pi.symlink)
	require.Equal(t, "x", pi.symlink.Target)
	require.Equal(t, uint32(9), pi.Header.Ino)
}

func TestBuildDirEntriesSplitsOnBlockChange(t *testing.T) {
	children := []dirChildPos{
		{Name: "a", Type: FileType, InodeNum: 2, BlockStart: 0, Offset: 0},
		{Name: "b", Type: FileType, InodeNum: 3, BlockStart: 0, Offset: 64},
		{Name: "c", Type: FileType, InodeNum: 4, BlockStart: 100, Offset: 0},
	}
	raw, index, err := buildDirEntries(binary.LittleEndian, children)
	require.NoError(t, err)
	require.Len(t, index, 2) // one run per distinct BlockStart

	got, err := readDirEntries(bytes.NewReader(raw), binary.LittleEndian, uint32(len(raw))+3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, uint32(4), got[2].InodeNum)
}

func TestBuildDirEntriesSplitsAt256(t *testing.T) {
	var children []dirChildPos
	for i := 0; i < 300; i++ {
		children = append(children, dirChildPos{
			Name: string(rune('a'+i%26)) + string(rune('0'+i/26)), Type: FileType,
			InodeNum: uint32(i + 2), BlockStart: 0, Offset: uint16(i),
		})
	}
	_, index, err := buildDirEntries(binary.LittleEndian, children)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(index), 2) // 300 entries > 256-per-header limit
}
