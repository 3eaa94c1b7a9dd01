package squashfs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Package-specific error variables that can be used with errors.Is() for error handling.
// The taxonomy mirrors the distinct failure modes a SquashFS implementation must be able
// to tell apart: a caller catching ErrCorrupted should not also catch ErrFileNotFound.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS.
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid.
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrUnsupportedVersion is returned when the (major, minor) pair isn't one the
	// configured Kind knows how to parse.
	ErrUnsupportedVersion = errors.New("unsupported squashfs version")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the
	// export table and can't be found through the normal inode index either.
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth.
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrUnsupportedCompression is returned when a compressor id has no registered codec.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrMissingCompressor is returned by Write when no compressor was configured for a v4 image.
	ErrMissingCompressor = errors.New("missing compressor for v4 filesystem")

	// ErrFileNotFound is returned by path lookups that don't resolve to a node.
	ErrFileNotFound = errors.New("file not found")

	// ErrUnexpectedInode is returned when an inode kind is encountered in a traversal slot
	// that cannot contain it (e.g. a file inode found where a directory was expected).
	ErrUnexpectedInode = errors.New("inode was unexpected in this position")

	// ErrUnsupportedInode is returned for inode kinds this library recognizes but does not
	// implement on the write path (e.g. extended files carrying xattrs).
	ErrUnsupportedInode = errors.New("unsupported inode kind")

	// ErrCorrupted is returned for structural or referential corruption detected while parsing.
	ErrCorrupted = errors.New("corrupted or invalid squashfs image")

	// ErrInvalidCompressionOptions is returned when the compression options block fails to parse.
	ErrInvalidCompressionOptions = errors.New("invalid squashfs compression options")

	// ErrInvalidFilePath is returned for a directory entry name containing '/' or equal to '.'/'..'.
	ErrInvalidFilePath = errors.New("invalid file path in the squashfs image")

	// ErrUndefinedFileName is returned when a node is pushed with an empty name.
	ErrUndefinedFileName = errors.New("file inside squashfs image has no name")

	// ErrDuplicatedFileName is returned by Insert when a path is already present in the tree.
	ErrDuplicatedFileName = errors.New("file duplicated in squashfs image")

	// ErrAllocationTooLarge is returned when a length read from the image would require an
	// implausibly large allocation, rather than letting the process OOM on corrupt input.
	ErrAllocationTooLarge = errors.New("refusing to allocate buffer of implausible size")

	// ErrInvalidIDTable is returned when an inode references an id index >= id_count.
	ErrInvalidIDTable = errors.New("invalid id table index")
)

// UnsupportedVersionError carries the (major, minor) pair that didn't match the
// configured Kind, for callers that want to report it.
type UnsupportedVersionError struct {
	Major, Minor uint16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported squashfs version %d.%d", e.Major, e.Minor)
}

func (e *UnsupportedVersionError) Unwrap() error {
	return ErrUnsupportedVersion
}

// ToIOError converts a library error into the closest fs/io sentinel, for embedding this
// package behind an OS-style API (e.g. returning it from an fs.FS method). Errors it does
// not recognize (including plain I/O errors from the underlying source) pass through unchanged.
func ToIOError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFileNotFound):
		return fs.ErrNotExist
	case errors.Is(err, ErrUnsupportedCompression), errors.Is(err, ErrUnsupportedVersion), errors.Is(err, ErrUnsupportedInode):
		return errors.ErrUnsupported
	case errors.Is(err, ErrCorrupted), errors.Is(err, ErrInvalidSuper), errors.Is(err, ErrInvalidFile),
		errors.Is(err, ErrInvalidFilePath), errors.Is(err, ErrInvalidCompressionOptions),
		errors.Is(err, ErrInvalidIDTable), errors.Is(err, ErrUndefinedFileName), errors.Is(err, ErrDuplicatedFileName):
		return fs.ErrInvalid
	default:
		return err
	}
}
