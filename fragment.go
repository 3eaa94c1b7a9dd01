package squashfs

import (
	"encoding/binary"
	"io"
	"sync"
)

// fragmentRecord is one entry of the fragment table (spec §3): the location
// and DataSize-encoded length of a shared block packing the tails of
// multiple files.
type fragmentRecord struct {
	Start  uint64
	Size   uint32 // DataSize-encoded
	Unused uint32
}

const fragmentRecordSize = 16

func (f fragmentRecord) marshal(w io.Writer, order binary.ByteOrder) error {
	return marshalFields(w, order, f.Start, f.Size, f.Unused)
}

func unmarshalFragmentRecord(r io.Reader, order binary.ByteOrder) (fragmentRecord, error) {
	var f fragmentRecord
	err := unmarshalFields(r, order, &f.Start, &f.Size, &f.Unused)
	return f, err
}

// fragmentCache holds decompressed fragment-block payloads for the lifetime
// of one reader (spec §5: "fragment-block cache are per-reader, not shared
// across readers"), keyed by fragment index so repeated tail-reads of files
// sharing a fragment decompress it only once.
type fragmentCache struct {
	mu      sync.Mutex
	payload map[uint32][]byte
}

func newFragmentCache() *fragmentCache {
	return &fragmentCache{payload: make(map[uint32][]byte)}
}

// fragmentPayload returns the decompressed bytes of fragment index idx,
// decompressing and caching it on first use.
func (s *source) fragmentPayload(idx uint32) ([]byte, error) {
	if idx >= uint32(len(s.fragTable)) {
		return nil, ErrCorrupted
	}
	s.fragCache.mu.Lock()
	if b, ok := s.fragCache.payload[idx]; ok {
		s.fragCache.mu.Unlock()
		return b, nil
	}
	s.fragCache.mu.Unlock()

	rec := s.fragTable[idx]
	raw := make([]byte, strippedSize(rec.Size))
	if _, err := s.r.ReadAt(raw, int64(rec.Start)); err != nil {
		return nil, err
	}
	var payload []byte
	if isStoredUncompressed(rec.Size) {
		payload = raw
	} else {
		var err error
		payload, err = s.codec.Decompress(s.comp, raw)
		if err != nil {
			return nil, err
		}
	}

	s.fragCache.mu.Lock()
	s.fragCache.payload[idx] = payload
	s.fragCache.mu.Unlock()
	return payload, nil
}
