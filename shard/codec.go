// Package shard encodes records that may exceed a backend's write limit. Small
// records are stored inline with a one byte header; large ones are split into
// checksummed chunks described by a Manifest. Decoding verifies every checksum and
// fails closed.
package shard

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/sharedcode/lyra"
)

// FormatVersion is written into every inline header and manifest.
const FormatVersion = 1

const (
	compressedBit = 0x80
	formatMask    = 0x7f

	// MinThreshold is the smallest inline/chunk size a Codec will use.
	MinThreshold = 1024
	// maxHeadroom is reserved out of a write for metadata, lease and manifest.
	maxHeadroom = 64 * 1024
)

// Manifest describes a sharded record. It is stored in the primary object's metadata.
type Manifest struct {
	Format     int      `json:"format"`
	SetID      string   `json:"set_id"`
	Total      int      `json:"total"`
	ChunkSize  int      `json:"chunk_size"`
	Size       int      `json:"size"`
	Compressed bool     `json:"compressed"`
	Checksums  []uint64 `json:"checksums"`
	Whole      uint64   `json:"whole"`
}

// String returns the manifest's metadata encoding.
func (m Manifest) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// ParseManifest decodes a manifest from its metadata encoding.
func ParseManifest(s string) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Manifest{}, lyra.WrapError(lyra.Corruption, fmt.Errorf("manifest unreadable: %w", err), nil)
	}
	if m.Format != FormatVersion {
		return Manifest{}, lyra.NewError(lyra.Corruption, "manifest format %d not supported", m.Format)
	}
	if m.Total <= 0 || len(m.Checksums) != m.Total {
		return Manifest{}, lyra.NewError(lyra.Corruption, "manifest lists %d checksums for %d chunks", len(m.Checksums), m.Total)
	}
	return m, nil
}

// ChunkKey returns the backend key of chunk i of a shard set.
func ChunkKey(key, setID string, i int) string {
	return fmt.Sprintf("%s/shards/%s/%d", key, setID, i)
}

// ChunkKeys returns the keys of every chunk in m.
func (m Manifest) ChunkKeys(key string) []string {
	keys := make([]string, m.Total)
	for i := range keys {
		keys[i] = ChunkKey(key, m.SetID, i)
	}
	return keys
}

// Chunk is one piece of a sharded record.
type Chunk struct {
	Index    int
	Total    int
	Payload  []byte
	Checksum uint64
}

// Encoded is the output of Codec.Encode. Exactly one of Inline and Manifest is set.
type Encoded struct {
	Inline   []byte
	Manifest *Manifest
	Chunks   []Chunk
}

// Sharded reports whether the encoding needs chunk writes.
func (e Encoded) Sharded() bool {
	return e.Manifest != nil
}

// Codec splits and reassembles record bytes.
type Codec struct {
	// Threshold is the largest inline payload and the chunk size.
	Threshold int
	// Compress enables snappy when it shrinks the payload.
	Compress bool
}

// NewCodec returns a compressing Codec sized for a backend with the given write limit.
func NewCodec(maxWriteSize int) Codec {
	headroom := maxWriteSize / 4
	if headroom > maxHeadroom {
		headroom = maxHeadroom
	}
	t := maxWriteSize - headroom
	if t < MinThreshold {
		t = MinThreshold
	}
	return Codec{Threshold: t, Compress: true}
}

// Encode prepares data for storage. newSetID is called only when the data must be
// sharded and supplies the shard set identifier.
func (c Codec) Encode(data []byte, newSetID func() string) (Encoded, error) {
	threshold := c.Threshold
	if threshold < MinThreshold {
		threshold = MinThreshold
	}
	payload := data
	compressed := false
	if c.Compress && len(data) > 0 {
		if z := snappy.Encode(nil, data); len(z) < len(data) {
			payload = z
			compressed = true
		}
	}
	if len(payload)+1 <= threshold {
		inline := make([]byte, 1+len(payload))
		inline[0] = header(compressed)
		copy(inline[1:], payload)
		return Encoded{Inline: inline}, nil
	}

	total := (len(payload) + threshold - 1) / threshold
	m := &Manifest{
		Format:     FormatVersion,
		SetID:      newSetID(),
		Total:      total,
		ChunkSize:  threshold,
		Size:       len(data),
		Compressed: compressed,
		Checksums:  make([]uint64, total),
		Whole:      xxhash.Sum64(data),
	}
	chunks := make([]Chunk, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * threshold
		if end > len(payload) {
			end = len(payload)
		}
		p := payload[i*threshold : end]
		sum := xxhash.Sum64(p)
		m.Checksums[i] = sum
		chunks[i] = Chunk{Index: i, Total: total, Payload: p, Checksum: sum}
	}
	return Encoded{Manifest: m, Chunks: chunks}, nil
}

func header(compressed bool) byte {
	h := byte(FormatVersion)
	if compressed {
		h |= compressedBit
	}
	return h
}

// DecodeInline restores data written inline.
func DecodeInline(inline []byte) ([]byte, error) {
	if len(inline) == 0 {
		return nil, lyra.NewError(lyra.Corruption, "inline record has no header")
	}
	if f := int(inline[0] & formatMask); f != FormatVersion {
		return nil, lyra.NewError(lyra.Corruption, "inline format %d not supported", f)
	}
	body := inline[1:]
	if inline[0]&compressedBit == 0 {
		return append([]byte(nil), body...), nil
	}
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("inline decompress: %w", err), nil)
	}
	return out, nil
}

// Decode reassembles a sharded record. chunks[i] must hold chunk i's payload, nil
// when the chunk was not found.
func Decode(m Manifest, chunks [][]byte) ([]byte, error) {
	if len(chunks) != m.Total {
		return nil, lyra.NewError(lyra.Corruption, "have %d chunks, manifest lists %d", len(chunks), m.Total)
	}
	var payload []byte
	for i, c := range chunks {
		if c == nil {
			return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("chunk %d missing", i), m.SetID)
		}
		if xxhash.Sum64(c) != m.Checksums[i] {
			return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("chunk %d checksum mismatch", i), m.SetID)
		}
		payload = append(payload, c...)
	}
	out := payload
	if m.Compressed {
		var err error
		if out, err = snappy.Decode(nil, payload); err != nil {
			return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("decompress: %w", err), m.SetID)
		}
	}
	if len(out) != m.Size || xxhash.Sum64(out) != m.Whole {
		return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("reassembled record fails whole checksum"), m.SetID)
	}
	return out, nil
}
