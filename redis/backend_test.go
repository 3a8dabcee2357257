package redis

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sharedcode/lyra"
)

// Integration tests need a Redis server; set LYRA_REDIS_TEST=1 (and optionally
// LYRA_REDIS_ADDR) to run them.
func testBackend(t *testing.T) *Backend {
	t.Helper()
	if os.Getenv("LYRA_REDIS_TEST") == "" {
		t.Skip("LYRA_REDIS_TEST not set")
	}
	opts := DefaultOptions()
	if a := os.Getenv("LYRA_REDIS_ADDR"); a != "" {
		opts.Address = a
	}
	opts.KeyPrefix = "lyratest:" + lyra.NewUUID().String()
	conn := openConnection(opts)
	t.Cleanup(func() { closeConnection(conn) })
	b := NewBackend(conn)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	return b
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		exists   bool
		expected lyra.VersionToken
		want     bool
	}{
		{"any on missing", "", false, lyra.AnyVersion, true},
		{"none on missing", "", false, lyra.NoVersion, true},
		{"none on existing", "3", true, lyra.NoVersion, false},
		{"token match", "3", true, "3", true},
		{"token mismatch", "4", true, "3", false},
		{"token on missing", "", false, "3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(tt.current, tt.exists, tt.expected); got != tt.want {
				t.Fatalf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reply string
		want  error
	}{
		{"LOADING Redis is loading the dataset in memory", lyra.ErrThrottled},
		{"BUSY Redis is busy running a script", lyra.ErrThrottled},
		{"NOAUTH Authentication required.", lyra.ErrUnauthorized},
		{"WRONGTYPE Operation against a key holding the wrong kind of value", lyra.ErrMalformedRequest},
		{"OOM command not allowed when used memory > 'maxmemory'", lyra.ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		if got := classify(errors.New(tt.reply)); !errors.Is(got, tt.want) {
			t.Fatalf("classify(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
	other := errors.New("some other failure")
	if got := classify(other); got != other {
		t.Fatalf("unrecognized replies must pass through, got %v", got)
	}
}

func TestDecodeObject(t *testing.T) {
	obj, found, err := decodeObject(map[string]string{
		fieldData:    "payload",
		fieldMeta:    `{"lyra.format":"1"}`,
		fieldVersion: "7",
		fieldUpdated: "1700000000000000000",
	})
	if err != nil || !found {
		t.Fatalf("decodeObject = %v, %v", found, err)
	}
	if string(obj.Data) != "payload" || obj.Version != "7" || obj.UpdatedAt.Unix() != 1700000000 {
		t.Fatalf("decoded %+v", obj)
	}
	if diff := cmp.Diff(map[string]string{lyra.MetaFormat: "1"}, obj.Metadata); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
	if _, found, _ := decodeObject(nil); found {
		t.Fatalf("empty hash decoded as found")
	}
}

func TestBackend_ConditionalWrites(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	tok, err := b.Set(ctx, "k", lyra.Object{Data: []byte("one")}, lyra.NoVersion)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := b.Set(ctx, "k", lyra.Object{Data: []byte("dup")}, lyra.NoVersion); !errors.Is(err, lyra.ErrVersionConflict) {
		t.Fatalf("second create: %v", err)
	}
	tok2, err := b.Set(ctx, "k", lyra.Object{Data: []byte("two"), Metadata: map[string]string{"a": "b"}}, tok)
	if err != nil {
		t.Fatalf("conditional update failed: %v", err)
	}
	if _, err := b.Set(ctx, "k", lyra.Object{Data: []byte("stale")}, tok); !errors.Is(err, lyra.ErrVersionConflict) {
		t.Fatalf("stale update: %v", err)
	}
	obj, found, err := b.Get(ctx, "k")
	if err != nil || !found || string(obj.Data) != "two" || obj.Version != tok2 || obj.Metadata["a"] != "b" {
		t.Fatalf("Get = %+v, %v, %v", obj, found, err)
	}

	page, err := b.ListVersions(ctx, lyra.ListVersionsParams{Key: "k", SortDescending: true})
	if err != nil || len(page.Versions) != 2 || page.Versions[0].Version != string(tok2) {
		t.Fatalf("ListVersions = %+v, %v", page, err)
	}
	old, found, err := b.GetVersion(ctx, "k", string(tok))
	if err != nil || !found || string(old.Data) != "one" {
		t.Fatalf("GetVersion = %+v, %v, %v", old, found, err)
	}

	if err := b.Delete(ctx, "k", tok); !errors.Is(err, lyra.ErrVersionConflict) {
		t.Fatalf("stale delete: %v", err)
	}
	if err := b.Delete(ctx, "k", tok2); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := b.Delete(ctx, "k", lyra.AnyVersion); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
	if _, found, _ := b.Get(ctx, "k"); found {
		t.Fatalf("key survived delete")
	}
	page, _ = b.ListVersions(ctx, lyra.ListVersionsParams{Key: "k", PageSize: 2})
	if len(page.Versions) != 2 || page.Cursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	page, _ = b.ListVersions(ctx, lyra.ListVersionsParams{Key: "k", PageSize: 2, Cursor: page.Cursor})
	if len(page.Versions) != 1 || !page.Versions[0].Deleted || page.Cursor != "" {
		t.Fatalf("last page = %+v", page)
	}
}
