package session

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/gateway"
	"github.com/sharedcode/lyra/shard"
)

// maxChunkFetchers bounds concurrent chunk reads of one record.
const maxChunkFetchers = 8

// ReadRecord returns the record bytes of obj, the primary object of storageKey,
// fetching and verifying its chunks when it is sharded. The returned manifest is nil
// for inline records.
func ReadRecord(ctx context.Context, gw *gateway.Gateway, storageKey string, obj lyra.Object) ([]byte, *shard.Manifest, error) {
	ms, sharded := obj.Metadata[lyra.MetaManifest]
	if !sharded {
		data, err := shard.DecodeInline(obj.Data)
		return data, nil, err
	}
	m, err := shard.ParseManifest(ms)
	if err != nil {
		return nil, nil, err
	}
	chunks := make([][]byte, m.Total)
	tr := lyra.NewTaskRunner(ctx, maxChunkFetchers)
	for i, k := range m.ChunkKeys(storageKey) {
		tr.Go(k, func(ctx context.Context) error {
			c, found, err := gw.Get(ctx, k)
			if err != nil {
				return err
			}
			if found {
				chunks[i] = c.Data
			}
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, nil, err
	}
	data, err := shard.Decode(m, chunks)
	if err != nil {
		return nil, nil, err
	}
	return data, &m, nil
}

// SchemaVersion returns the schema version stamped on obj, 0 when absent.
func SchemaVersion(obj lyra.Object) (int, error) {
	s := obj.Metadata[lyra.MetaSchemaVersion]
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, lyra.NewError(lyra.Corruption, "schema version %q unreadable", s)
	}
	return v, nil
}

// UserIDs returns the user ids stamped on obj.
func UserIDs(obj lyra.Object) []string {
	s := obj.Metadata[lyra.MetaUserIDs]
	if s == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}

// Info builds the KeyInfo of obj. Engine metadata keys are left out of Metadata.
func Info(obj lyra.Object) lyra.KeyInfo {
	ki := lyra.KeyInfo{
		Version:   string(obj.Version),
		CreatedAt: obj.UpdatedAt,
		UpdatedAt: obj.UpdatedAt,
		UserIDs:   UserIDs(obj),
	}
	for k, v := range obj.Metadata {
		switch k {
		case lyra.MetaLease, lyra.MetaManifest, lyra.MetaFormat, lyra.MetaSchemaVersion, lyra.MetaUserIDs:
			continue
		}
		if ki.Metadata == nil {
			ki.Metadata = make(map[string]string)
		}
		ki.Metadata[k] = v
	}
	return ki
}

func mergeUserIDs(have, add []string) ([]string, bool) {
	seen := make(map[string]bool, len(have))
	for _, id := range have {
		seen[id] = true
	}
	out := append([]string(nil), have...)
	changed := false
	for _, id := range add {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		changed = true
	}
	return out, changed
}
