package squashfs_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sq4go/squashfs"
)

func s256(buf []byte) string {
	hash := sha256.Sum256(buf)
	return hex.EncodeToString(hash[:])
}

// memSource is a squashfs.DataSource backed by an in-memory byte slice, used
// throughout the test suite since no on-disk fixtures ship with this module.
type memSource struct {
	data []byte
}

func (m *memSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func (m *memSource) Size() int64 { return int64(len(m.data)) }

func readAll(t *testing.T, fsys *squashfs.Filesystem, path string) []byte {
	t.Helper()
	n, err := fsys.Find(path)
	require.NoError(t, err)
	r, err := fsys.Reader(n)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func buildAndReopen(t *testing.T, w *squashfs.Writer) *squashfs.Filesystem {
	t.Helper()
	var buf bytes.Buffer
	_, _, err := w.Write(&buf)
	require.NoError(t, err)
	fsys, err := squashfs.ReadImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return fsys
}

func TestWriterEmptyImageRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	fsys := buildAndReopen(t, w)

	root, err := fsys.Find("/")
	require.NoError(t, err)
	require.True(t, root.IsDir())

	children, err := fsys.ChildrenOf("/")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestWriterSingleFileRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	content := []byte("hello world")
	require.NoError(t, w.PushFile("/hello.txt", squashfs.Header{Mode: 0644}, &memSource{data: content}))

	fsys := buildAndReopen(t, w)
	got := readAll(t, fsys, "/hello.txt")
	require.Equal(t, s256(content), s256(got))
}

func TestWriterDirectoryTreeRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushDirAll("/dir1/subdir", squashfs.Header{Mode: 0755}))
	require.NoError(t, w.PushDir("/dir2", squashfs.Header{Mode: 0755}))
	require.NoError(t, w.PushFile("/file1.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("root file")}))
	require.NoError(t, w.PushFile("/dir1/file2.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("file in dir1")}))
	require.NoError(t, w.PushFile("/dir1/subdir/file3.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("nested")}))

	fsys := buildAndReopen(t, w)

	rootChildren, err := fsys.ChildrenOf("/")
	require.NoError(t, err)
	require.Len(t, rootChildren, 3) // dir1, dir2, file1.txt

	require.Equal(t, "nested", string(readAll(t, fsys, "/dir1/subdir/file3.txt")))
	require.Equal(t, "file in dir1", string(readAll(t, fsys, "/dir1/file2.txt")))
}

func TestWriterLargeDirectoryRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	const n = 1000
	for i := 0; i < n; i++ {
		name := "/file_" + padded(i) + ".txt"
		require.NoError(t, w.PushFile(name, squashfs.Header{Mode: 0644}, &memSource{data: []byte("content of " + padded(i))}))
	}

	fsys := buildAndReopen(t, w)
	children, err := fsys.ChildrenOf("/")
	require.NoError(t, err)
	require.Len(t, children, n)

	require.Equal(t, "content of "+padded(500), string(readAll(t, fsys, "/file_"+padded(500)+".txt")))
	require.Equal(t, "content of "+padded(0), string(readAll(t, fsys, "/file_"+padded(0)+".txt")))
	require.Equal(t, "content of "+padded(999), string(readAll(t, fsys, "/file_"+padded(999)+".txt")))
}

func padded(i int) string {
	s := "0000" + itoa(i)
	return s[len(s)-4:]
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestWriterCompressorVariants(t *testing.T) {
	comps := []squashfs.SquashComp{squashfs.GZip, squashfs.LZMA, squashfs.XZ, squashfs.LZ4, squashfs.ZSTD}
	content := bytes.Repeat([]byte("payload data for compression test\n"), 200)

	for _, comp := range comps {
		comp := comp
		t.Run(comp.String(), func(t *testing.T) {
			w := squashfs.NewWriter(squashfs.WithWriterCompressor(comp))
			require.NoError(t, w.PushFile("/data.bin", squashfs.Header{Mode: 0644}, &memSource{data: content}))

			fsys := buildAndReopen(t, w)
			got := readAll(t, fsys, "/data.bin")
			require.Equal(t, s256(content), s256(got))
		})
	}
}

func TestWriterSymlinkRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushSymlink("/link", squashfs.Header{Mode: 0777}, "/hello.txt"))
	require.NoError(t, w.PushFile("/hello.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("x")}))

	fsys := buildAndReopen(t, w)
	n, err := fsys.Find("/link")
	require.NoError(t, err)
	require.Equal(t, squashfs.NodeSymlink, n.Kind)
	require.Equal(t, "/hello.txt", n.SymlinkTarget())
}

func TestWriterDeviceNodesRoundTrip(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushCharDevice("/ttyS0", squashfs.Header{Mode: 0600}, 0x0400))
	require.NoError(t, w.PushBlockDevice("/sda", squashfs.Header{Mode: 0660}, 0x0800))
	require.NoError(t, w.PushFifo("/fifo1", squashfs.Header{Mode: 0644}))
	require.NoError(t, w.PushSocket("/sock1", squashfs.Header{Mode: 0644}))

	fsys := buildAndReopen(t, w)

	n, err := fsys.Find("/ttyS0")
	require.NoError(t, err)
	require.Equal(t, squashfs.NodeCharDevice, n.Kind)
	require.Equal(t, uint32(0x0400), n.Rdev())

	n, err = fsys.Find("/sda")
	require.NoError(t, err)
	require.Equal(t, squashfs.NodeBlockDevice, n.Kind)
	require.Equal(t, uint32(0x0800), n.Rdev())

	n, err = fsys.Find("/fifo1")
	require.NoError(t, err)
	require.Equal(t, squashfs.NodeFifo, n.Kind)

	n, err = fsys.Find("/sock1")
	require.NoError(t, err)
	require.Equal(t, squashfs.NodeSocket, n.Kind)
}

func TestNodeModeCombinesTypeAndPermissions(t *testing.T) {
	w := squashfs.NewWriter()
	require.NoError(t, w.PushDir("/d", squashfs.Header{Mode: 0755}))
	require.NoError(t, w.PushFile("/d/f.txt", squashfs.Header{Mode: 0640}, &memSource{data: []byte("x")}))
	require.NoError(t, w.PushSymlink("/d/l", squashfs.Header{Mode: 0777}, "f.txt"))

	fsys := buildAndReopen(t, w)

	dir, err := fsys.Find("/d")
	require.NoError(t, err)
	require.True(t, dir.Mode().IsDir())
	require.Equal(t, fs.FileMode(0755), dir.Mode().Perm())

	file, err := fsys.Find("/d/f.txt")
	require.NoError(t, err)
	require.True(t, file.Mode().IsRegular())
	require.Equal(t, fs.FileMode(0640), file.Mode().Perm())

	link, err := fsys.Find("/d/l")
	require.NoError(t, err)
	require.Equal(t, fs.ModeSymlink, link.Mode()&fs.ModeSymlink)
}

func TestWriterExportTableRoundTrip(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithExportTable())
	require.NoError(t, w.PushFile("/a.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("a")}))

	var buf bytes.Buffer
	sb, _, err := w.Write(&buf)
	require.NoError(t, err)
	require.True(t, sb.Flags.Has(squashfs.EXPORTABLE))
	require.NotEqual(t, uint64(0xFFFFFFFFFFFFFFFF), sb.ExportTableStart)
}
