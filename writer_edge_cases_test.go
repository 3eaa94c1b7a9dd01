package squashfs_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sq4go/squashfs"
)

func TestWriterZeroLengthFileRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushFile("/empty.txt", squashfs.Header{Mode: 0644}, &memSource{data: nil}))

	fsys := buildAndReopen(t, w)
	n, err := fsys.Find("/empty.txt")
	require.NoError(t, err)
	require.Equal(t, uint64(0), n.Size())
	require.Empty(t, readAll(t, fsys, "/empty.txt"))
}

func TestWriterRejectsDuplicatePath(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushFile("/dup.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a")}))
	err := w.PushFile("/dup.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("b")})
	require.ErrorIs(t, err, squashfs.ErrDuplicatedFileName)
}

func TestWriterRejectsMissingParent(t *testing.T) {
	w := squashfs.NewWriter()
	err := w.PushFile("/nope/child.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a")})
	require.Error(t, err)
}

func TestWriterRejectsRelativePath(t *testing.T) {
	w := squashfs.NewWriter()
	err := w.PushFile("relative.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a")})
	require.ErrorIs(t, err, squashfs.ErrInvalidFilePath)
}

func TestWriterRejectsEmptyName(t *testing.T) {
	w := squashfs.NewWriter()
	err := w.PushFile("/", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a")})
	require.Error(t, err)
}

func TestWriterRemoveDeletesSubtree(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushDirAll("/dir/sub", squashfs.Header{Mode: 0755}))
	require.NoError(t, w.PushFile("/dir/a.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a")}))
	require.NoError(t, w.PushFile("/dir/sub/b.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("b")}))

	n, err := w.Remove("/dir")
	require.NoError(t, err)
	require.Equal(t, 4, n) // dir, dir/a.txt, dir/sub, dir/sub/b.txt

	fsys := buildAndReopen(t, w)
	_, err = fsys.Find("/dir")
	require.ErrorIs(t, err, squashfs.ErrFileNotFound)
}

func TestWriterReplaceFileSwapsContent(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushFile("/f.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("old")}))
	require.NoError(t, w.ReplaceFile("/f.txt", &memSource{data: []byte("new content")}))

	fsys := buildAndReopen(t, w)
	require.Equal(t, "new content", string(readAll(t, fsys, "/f.txt")))
}

func TestFilesystemIntoWriterMutateRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushFile("/a.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a content")}))
	require.NoError(t, w.PushFile("/b.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("b content")}))

	var buf bytes.Buffer
	_, _, err := w.Write(&buf)
	require.NoError(t, err)

	fsys, err := squashfs.ReadImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	w2 := fsys.IntoWriter()
	require.NoError(t, w2.PushFile("/c.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("c content")}))
	_, err = w2.Remove("/b.txt")
	require.NoError(t, err)

	var buf2 bytes.Buffer
	_, _, err = w2.Write(&buf2)
	require.NoError(t, err)

	fsys2, err := squashfs.ReadImage(bytes.NewReader(buf2.Bytes()))
	require.NoError(t, err)

	require.Equal(t, "a content", string(readAll(t, fsys2, "/a.txt")))
	require.Equal(t, "c content", string(readAll(t, fsys2, "/c.txt")))
	_, err = fsys2.Find("/b.txt")
	require.ErrorIs(t, err, squashfs.ErrFileNotFound)

	// original Filesystem's tree must be untouched by the mutations on w2's clone.
	_, err = fsys.Find("/b.txt")
	require.NoError(t, err)
}

func TestWriterMissingCompressorFails(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterCompressor(0))
	var buf bytes.Buffer
	_, _, err := w.Write(&buf)
	require.ErrorIs(t, err, squashfs.ErrMissingCompressor)
}

func TestWriterV3KindRejectsWrite(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterKind(squashfs.LE_V3_0))
	var buf bytes.Buffer
	_, _, err := w.Write(&buf)
	var uverr *squashfs.UnsupportedVersionError
	require.True(t, errors.As(err, &uverr))
	require.Equal(t, uint16(3), uverr.Major)
}
