package squashfs

// ReadOption configures ReadImage (spec §6).
type ReadOption func(*readConfig)

type readConfig struct {
	kind        *Kind
	offset      int64
	lenientV3   bool
	parallelism int
}

// WithKind pins the Kind used to parse an image instead of autodetecting it
// from the magic bytes.
func WithKind(k Kind) ReadOption {
	return func(c *readConfig) { c.kind = &k }
}

// WithOffset parses an image embedded at a non-zero byte offset (e.g. a
// SquashFS partition inside firmware).
func WithOffset(offset int64) ReadOption {
	return func(c *readConfig) { c.offset = offset }
}

// LenientV3IDs resolves an out-of-range v3 uid/gid index to id 0 with a
// logged warning instead of failing the parse (spec §9's open-question
// resolution: an explicit, documented fallback rather than silent behavior).
func LenientV3IDs() ReadOption {
	return func(c *readConfig) { c.lenientV3 = true }
}

// WithParallelism records n in the read configuration. ReadImage and
// ExtractTo do not read the value: both walk and extract nodes one at a time
// on the calling goroutine, whatever n is.
func WithParallelism(n int) ReadOption {
	return func(c *readConfig) { c.parallelism = n }
}

// WriterOption configures a Writer (spec §6).
type WriterOption func(*Writer)

// WithWriterKind selects the on-disk grammar and codec a Writer emits.
// Defaults to LE_V4_0.
func WithWriterKind(k Kind) WriterOption {
	return func(w *Writer) { w.kind = k }
}

// WithWriterBlockSize sets the data block size; must be a power of two
// between 4 KiB and 1 MiB. Defaults to 128 KiB.
func WithWriterBlockSize(size uint32) WriterOption {
	return func(w *Writer) { w.blockSize = size }
}

// WithWriterCompressor sets the compressor written into the superblock.
// Defaults to GZip. A v4 Writer without one set fails Write with
// ErrMissingCompressor.
func WithWriterCompressor(comp SquashComp) WriterOption {
	return func(w *Writer) { w.comp = comp }
}

// WithWriterCompressorConfig sets per-compressor tuning knobs.
func WithWriterCompressorConfig(cfg CompressorConfig) WriterOption {
	return func(w *Writer) { w.compCfg = cfg }
}

// WithWriterModTime sets the mod_time written into the superblock. Defaults
// to the time the Writer was constructed.
func WithWriterModTime(t int32) WriterOption {
	return func(w *Writer) { w.modTime = t }
}

// WithKiBPadding pads the final image to the next n*1024-byte boundary.
// 0 disables padding. Defaults to 4.
func WithKiBPadding(n uint32) WriterOption {
	return func(w *Writer) { w.kibPadding = n }
}

// WithNoDuplicateData disables whole-file and per-block data dedup.
func WithNoDuplicateData() WriterOption {
	return func(w *Writer) { w.noDedup = true }
}

// WithNoFragments disables fragment packing; every file's tail becomes a
// full (possibly short) data block instead.
func WithNoFragments() WriterOption {
	return func(w *Writer) { w.noFragments = true }
}

// WithAlwaysUseFragments forces even block-aligned files to route their
// final block through the fragment packer.
func WithAlwaysUseFragments() WriterOption {
	return func(w *Writer) { w.alwaysFragments = true }
}

// WithNoCompressionOptions suppresses the compression_options metadata
// block even if the codec would otherwise emit one.
func WithNoCompressionOptions() WriterOption {
	return func(w *Writer) { w.noCompressionOptions = true }
}

// WithExportTable enables emission of the NFS export table (spec §4.7 step 7).
func WithExportTable() WriterOption {
	return func(w *Writer) { w.exportTable = true }
}

// WithRootHeader sets the permissions/uid/gid/mtime of the root directory.
func WithRootHeader(h Header) WriterOption {
	return func(w *Writer) { w.tree.nodes[0].Header = h }
}
