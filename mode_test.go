package squashfs_test

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sq4go/squashfs"
)

func TestUnixToModeDistinguishesEveryType(t *testing.T) {
	cases := []struct {
		name     string
		unixType uint32
		want     fs.FileMode
	}{
		{"regular", squashfs.S_IFREG, 0},
		{"directory", squashfs.S_IFDIR, fs.ModeDir},
		{"symlink", squashfs.S_IFLNK, fs.ModeSymlink},
		{"char device", squashfs.S_IFCHR, fs.ModeDevice | fs.ModeCharDevice},
		{"block device", squashfs.S_IFBLK, fs.ModeDevice},
		{"fifo", squashfs.S_IFIFO, fs.ModeNamedPipe},
		{"socket", squashfs.S_IFSOCK, fs.ModeSocket},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := squashfs.UnixToMode(c.unixType | 0644)
			require.Equal(t, c.want, got&fs.ModeType|got&fs.ModeCharDevice)
			require.Equal(t, fs.FileMode(0644), got.Perm())
		})
	}
}

func TestModeRoundTripsThroughUnixModePair(t *testing.T) {
	types := []uint32{squashfs.S_IFREG, squashfs.S_IFDIR, squashfs.S_IFLNK, squashfs.S_IFCHR, squashfs.S_IFBLK, squashfs.S_IFIFO, squashfs.S_IFSOCK}
	for _, ut := range types {
		unix := ut | 0755
		mode := squashfs.UnixToMode(unix)
		back := squashfs.ModeToUnix(mode)
		require.Equal(t, unix&squashfs.S_IFMT, back&squashfs.S_IFMT, "type bits should round-trip for %#o", ut)
		require.Equal(t, unix&0777, back&0777)
	}
}
