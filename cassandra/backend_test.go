package cassandra

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/go-cmp/cmp"

	"github.com/sharedcode/lyra"
)

func TestVersionsQuery(t *testing.T) {
	lo := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stmt, args := versionsQuery(lyra.ListVersionsParams{Key: "k", MinDate: lo, SortDescending: true})
	want := "SELECT created, version, deleted FROM %s.object_versions WHERE key = ? AND created >= ? ORDER BY created DESC, version DESC;"
	if stmt != want {
		t.Fatalf("statement:\n got %s\nwant %s", stmt, want)
	}
	if diff := cmp.Diff([]any{"k", lo}, args); diff != "" {
		t.Fatalf("args (-want +got):\n%s", diff)
	}
	stmt, args = versionsQuery(lyra.ListVersionsParams{Key: "k"})
	if strings.Contains(stmt, "ORDER BY") || len(args) != 1 {
		t.Fatalf("ascending unbounded query = %s %v", stmt, args)
	}
}

func TestCursor(t *testing.T) {
	state := []byte{0, 1, 2, 250}
	c := encodeCursor(state)
	got, err := decodeCursor(c)
	if err != nil {
		t.Fatalf("decodeCursor failed: %v", err)
	}
	if diff := cmp.Diff(state, got); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}
	if encodeCursor(nil) != "" {
		t.Fatalf("empty state must give an empty cursor")
	}
	if _, err := decodeCursor("%%%"); !errors.Is(err, lyra.ErrMalformedRequest) {
		t.Fatalf("bad cursor: %v", err)
	}
}

func TestVersionTime(t *testing.T) {
	id := gocql.TimeUUID()
	vt := versionTime(id)
	if vt.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("version time %v not truncated to milliseconds", vt)
	}
	if d := id.Time().Sub(vt); d < 0 || d >= time.Millisecond {
		t.Fatalf("version time drifted %v from the token", d)
	}
}

func TestClassify(t *testing.T) {
	if !errors.Is(classify(gocql.ErrTimeoutNoResponse), lyra.ErrThrottled) {
		t.Fatalf("timeouts must be retryable")
	}
	if !errors.Is(classify(gocql.ErrNoConnections), lyra.ErrThrottled) {
		t.Fatalf("lost connections must be retryable")
	}
	other := errors.New("boom")
	if classify(other) != other {
		t.Fatalf("unknown errors must pass through")
	}
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

// Set LYRA_CASSANDRA_TEST=1 (and optionally LYRA_CASSANDRA_HOSTS) to run against a cluster.
func TestBackend_ConditionalWrites(t *testing.T) {
	if os.Getenv("LYRA_CASSANDRA_TEST") == "" {
		t.Skip("LYRA_CASSANDRA_TEST not set")
	}
	hosts := []string{"localhost"}
	if h := os.Getenv("LYRA_CASSANDRA_HOSTS"); h != "" {
		hosts = strings.Split(h, ",")
	}
	conn, err := openConnection(Config{ClusterHosts: hosts, Keyspace: "lyra_test", Consistency: gocql.One})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Session.Close()
	b := NewBackend(conn)
	ctx := context.Background()
	key := "k-" + lyra.NewUUID().String()

	tok, err := b.Set(ctx, key, lyra.Object{Data: []byte("one"), Metadata: map[string]string{"a": "1"}}, lyra.NoVersion)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := b.Set(ctx, key, lyra.Object{Data: []byte("x")}, lyra.NoVersion); !errors.Is(err, lyra.ErrVersionConflict) {
		t.Fatalf("second create: %v", err)
	}
	tok2, err := b.Set(ctx, key, lyra.Object{Data: []byte("two")}, tok)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := b.Set(ctx, key, lyra.Object{Data: []byte("stale")}, tok); !errors.Is(err, lyra.ErrVersionConflict) {
		t.Fatalf("stale update: %v", err)
	}
	obj, found, err := b.Get(ctx, key)
	if err != nil || !found || string(obj.Data) != "two" || obj.Version != tok2 {
		t.Fatalf("Get = %+v, %v, %v", obj, found, err)
	}
	old, found, err := b.GetVersion(ctx, key, string(tok))
	if err != nil || !found || string(old.Data) != "one" || old.Metadata["a"] != "1" {
		t.Fatalf("GetVersion = %+v, %v, %v", old, found, err)
	}
	if err := b.Delete(ctx, key, tok2); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	page, err := b.ListVersions(ctx, lyra.ListVersionsParams{Key: key, SortDescending: true})
	if err != nil || len(page.Versions) != 3 || !page.Versions[0].Deleted {
		t.Fatalf("ListVersions = %+v, %v", page, err)
	}
}
