package squashfs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sq4go/squashfs"
)

func TestWriterWholeFileDedup(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterBlockSize(4096))
	content := bytes.Repeat([]byte("duplicate me\n"), 10)
	require.NoError(t, w.PushFile("/a.txt", squashfs.Header{Mode: 0644}, &memSource{data: content}))
	require.NoError(t, w.PushFile("/b.txt", squashfs.Header{Mode: 0644}, &memSource{data: append([]byte(nil), content...)}))

	fsys := buildAndReopen(t, w)
	a, err := fsys.Find("/a.txt")
	require.NoError(t, err)
	b, err := fsys.Find("/b.txt")
	require.NoError(t, err)
	require.Equal(t, s256(readAll(t, fsys, "/a.txt")), s256(readAll(t, fsys, "/b.txt")))
	require.Equal(t, a.Size(), b.Size())
}

func TestWriterNoDuplicateDataDisablesDedup(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)
	w := squashfs.NewWriter(squashfs.WithWriterBlockSize(4096), squashfs.WithNoDuplicateData())
	require.NoError(t, w.PushFile("/a.bin", squashfs.Header{Mode: 0644}, &memSource{data: content}))
	require.NoError(t, w.PushFile("/b.bin", squashfs.Header{Mode: 0644}, &memSource{data: append([]byte(nil), content...)}))

	var buf bytes.Buffer
	sb, _, err := w.Write(&buf)
	require.NoError(t, err)
	require.False(t, sb.Flags.Has(squashfs.DUPLICATES))
}

func TestWriterFragmentPackingSharesTailBlock(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterBlockSize(4096))
	require.NoError(t, w.PushFile("/small1.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("tiny file one")}))
	require.NoError(t, w.PushFile("/small2.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("tiny file two, still short")}))

	var buf bytes.Buffer
	sb, _, err := w.Write(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sb.FragCount) // both tails should share one fragment block

	fsys, err := squashfs.ReadImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "tiny file one", string(readAll(t, fsys, "/small1.txt")))
	require.Equal(t, "tiny file two, still short", string(readAll(t, fsys, "/small2.txt")))
}

func TestWriterNoFragmentsForcesFullBlocks(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterBlockSize(4096), squashfs.WithNoFragments())
	require.NoError(t, w.PushFile("/small.txt", squashfs.Header{Mode: 0644}, &memSource{data: []byte("short content")}))

	var buf bytes.Buffer
	sb, _, err := w.Write(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(0), sb.FragCount)
	require.True(t, sb.Flags.Has(squashfs.NO_FRAGMENTS))

	fsys, err := squashfs.ReadImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "short content", string(readAll(t, fsys, "/small.txt")))
}

func TestWriterAlwaysFragmentsRoutesBlockAlignedTail(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterBlockSize(4096), squashfs.WithAlwaysUseFragments())
	content := bytes.Repeat([]byte("z"), 4096*2) // exactly two blocks, no natural tail
	require.NoError(t, w.PushFile("/aligned.bin", squashfs.Header{Mode: 0644}, &memSource{data: content}))

	var buf bytes.Buffer
	sb, _, err := w.Write(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sb.FragCount)

	fsys, err := squashfs.ReadImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, s256(content), s256(readAll(t, fsys, "/aligned.bin")))
}

func TestWriterBlockLevelDedupAcrossFiles(t *testing.T) {
	w := squashfs.NewWriter(squashfs.WithWriterBlockSize(4096))
	sharedBlock := bytes.Repeat([]byte("S"), 4096)
	fileA := append(append([]byte(nil), sharedBlock...), []byte("tailA")...)
	fileB := append(append([]byte(nil), sharedBlock...), []byte("tailB-longer")...)
	require.NoError(t, w.PushFile("/a.bin", squashfs.Header{Mode: 0644}, &memSource{data: fileA}))
	require.NoError(t, w.PushFile("/b.bin", squashfs.Header{Mode: 0644}, &memSource{data: fileB}))

	fsys := buildAndReopen(t, w)
	require.Equal(t, s256(fileA), s256(readAll(t, fsys, "/a.bin")))
	require.Equal(t, s256(fileB), s256(readAll(t, fsys, "/b.bin")))
}
