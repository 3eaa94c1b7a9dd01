package squashfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sq4go/squashfs"
)

func TestFlagsString(t *testing.T) {
	cases := []struct {
		flag     squashfs.SquashFlags
		expected string
	}{
		{squashfs.UNCOMPRESSED_INODES, "UNCOMPRESSED_INODES"},
		{squashfs.UNCOMPRESSED_DATA, "UNCOMPRESSED_DATA"},
		{squashfs.CHECK, "CHECK"},
		{squashfs.UNCOMPRESSED_FRAGMENTS, "UNCOMPRESSED_FRAGMENTS"},
		{squashfs.NO_FRAGMENTS, "NO_FRAGMENTS"},
		{squashfs.ALWAYS_FRAGMENTS, "ALWAYS_FRAGMENTS"},
		{squashfs.DUPLICATES, "DUPLICATES"},
		{squashfs.EXPORTABLE, "EXPORTABLE"},
		{squashfs.UNCOMPRESSED_XATTRS, "UNCOMPRESSED_XATTRS"},
		{squashfs.NO_XATTRS, "NO_XATTRS"},
		{squashfs.COMPRESSOR_OPTIONS, "COMPRESSOR_OPTIONS"},
		{squashfs.UNCOMPRESSED_IDS, "UNCOMPRESSED_IDS"},
		{squashfs.EXPORTABLE | squashfs.NO_FRAGMENTS, "NO_FRAGMENTS|EXPORTABLE"},
		{0, ""},
		{1<<15 | 1<<14, ""},
	}

	for _, tc := range cases {
		require.Equal(t, tc.expected, tc.flag.String())
	}
}

func TestFlagsHas(t *testing.T) {
	flags := squashfs.EXPORTABLE | squashfs.UNCOMPRESSED_DATA

	require.True(t, flags.Has(squashfs.EXPORTABLE))
	require.True(t, flags.Has(squashfs.UNCOMPRESSED_DATA))
	require.False(t, flags.Has(squashfs.NO_FRAGMENTS))
}
