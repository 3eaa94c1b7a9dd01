package squashfs_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sq4go/squashfs"
)

// mockReader implements io.ReaderAt and lets a test simulate a short or
// failing backing store without needing a real file on disk.
type mockReader struct {
	data   []byte
	errAt  int64
	errMsg error
}

func (m *mockReader) ReadAt(p []byte, off int64) (int, error) {
	if m.errMsg != nil && off+int64(len(p)) > m.errAt {
		return 0, m.errMsg
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func TestReadImageRejectsUnrecognizedMagic(t *testing.T) {
	_, err := squashfs.ReadImage(&mockReader{data: make([]byte, 128)})
	require.ErrorIs(t, err, squashfs.ErrInvalidFile)
}

func TestReadImageRejectsTruncatedSuperblock(t *testing.T) {
	data := []byte{'h', 's', 'q', 's'}
	data = append(data, make([]byte, 92)...)
	r := &mockReader{data: data, errAt: 20, errMsg: io.ErrUnexpectedEOF}
	_, err := squashfs.ReadImage(r)
	require.Error(t, err)
}

func TestReadImageRejectsInconsistentBlockSize(t *testing.T) {
	data := []byte{'h', 's', 'q', 's'}
	data = append(data, make([]byte, 92)...)
	copy(data[12:16], []byte{0x00, 0x10, 0x00, 0x00}) // BlockSize = 4096
	copy(data[22:24], []byte{0x0B, 0x00})             // BlockLog = 11, should be 12
	copy(data[28:30], []byte{0x04, 0x00})             // VMajor = 4
	_, err := squashfs.ReadImage(&mockReader{data: data})
	require.ErrorIs(t, err, squashfs.ErrInvalidSuper)
}
