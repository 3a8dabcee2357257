package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/inmemory"
	"github.com/sharedcode/lyra/lock"
	"github.com/sharedcode/lyra/migration"
	"github.com/sharedcode/lyra/schema"
	"github.com/sharedcode/lyra/shard"
)

type wallet struct {
	Coins int      `json:"coins"`
	Items []string `json:"items"`
}

func fastRetry() lyra.RetryPolicy {
	return lyra.RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 3}
}

func newStore(t *testing.T, b lyra.Backend, owner string, mut ...func(*Options[wallet])) *Store[wallet] {
	t.Helper()
	opts := Options[wallet]{
		Name:     "wallets",
		Backend:  b,
		Template: &wallet{Coins: 10, Items: []string{}},
		Schema: schema.Func[wallet](func(w *wallet) (bool, string) {
			return w.Coins >= 0, "coins must not be negative"
		}),
		OwnerID: owner,
		Retry:   fastRetry(),
	}
	for _, m := range mut {
		m(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func addCoins(n int) func(*wallet) bool {
	return func(w *wallet) bool {
		w.Coins += n
		return true
	}
}

func TestNew_RequiresNameAndBackend(t *testing.T) {
	if _, err := New(Options[wallet]{Backend: inmemory.New(0)}); lyra.CodeOf(err) != lyra.UsageFailure {
		t.Fatalf("missing name: %v", err)
	}
	if _, err := New(Options[wallet]{Name: "x"}); lyra.CodeOf(err) != lyra.UsageFailure {
		t.Fatalf("missing backend: %v", err)
	}
}

func TestCoins_LoadUpdateUnloadReload(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "server-1")

	if err := s.Load(ctx, "player1"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ok, err := s.Update(ctx, "player1", addCoins(5))
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	w, err := s.Get(ctx, "player1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if w.Coins != 15 {
		t.Fatalf("coins = %d, want 15", w.Coins)
	}
	if err := s.Unload(ctx, "player1"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if _, err := s.Get(ctx, "player1"); !errors.Is(err, lyra.ErrKeyNotLoaded) {
		t.Fatalf("Get after unload: %v", err)
	}

	other := newStore(t, b, "server-2")
	if err := other.Load(ctx, "player1"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	w, _ = other.Get(ctx, "player1")
	if diff := cmp.Diff(&wallet{Coins: 15, Items: []string{}}, w); diff != "" {
		t.Fatalf("reloaded record mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_ValidationRejectsNegativeCoins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil, "o", func(o *Options[wallet]) { o.UseMock = true })
	if err := s.Load(ctx, "k"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := s.Update(ctx, "k", addCoins(-100)); !errors.Is(err, lyra.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	w, _ := s.Get(ctx, "k")
	if w.Coins != 10 {
		t.Fatalf("rejected update leaked into cache: %+v", w)
	}
}

func TestGet_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil, "o", func(o *Options[wallet]) { o.UseMock = true })
	s.Load(ctx, "k")
	w, _ := s.Get(ctx, "k")
	w.Coins = 1000
	again, _ := s.Get(ctx, "k")
	if again.Coins != 10 {
		t.Fatalf("caller mutation reached the cache: %+v", again)
	}
}

func TestLoad_ContentionAcrossStores(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	a := newStore(t, b, "server-a")
	c := newStore(t, b, "server-b")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*Store[wallet]{a, c} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Load(ctx, "shared")
		}()
	}
	wg.Wait()

	won, contended := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, lyra.ErrLockContention):
			contended++
		default:
			t.Fatalf("unexpected load error: %v", err)
		}
	}
	if won != 1 || contended != 1 {
		t.Fatalf("won=%d contended=%d, want exactly one of each", won, contended)
	}
	if a.Loaded("shared") == c.Loaded("shared") {
		t.Fatalf("both or neither store hold the key")
	}
}

func TestLoad_Twice(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil, "o", func(o *Options[wallet]) { o.UseMock = true })
	if err := s.Load(ctx, "k"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.Load(ctx, "k"); err != nil {
		t.Fatalf("second Load of a loaded key: %v", err)
	}
	if err := s.Load(ctx, ""); lyra.CodeOf(err) != lyra.UsageFailure {
		t.Fatalf("empty key: %v", err)
	}
}

func TestUpdate_ThrottledWritesCommitWithBackoff(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o", func(o *Options[wallet]) {
		o.Retry = lyra.RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}
	})
	if err := s.Load(ctx, "k"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b.ThrottleNext(inmemory.OpSet, 2)
	before := b.Calls(inmemory.OpSet)

	start := time.Now()
	ok, err := s.Update(ctx, "k", addCoins(1))
	elapsed := time.Since(start)
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if got := b.Calls(inmemory.OpSet) - before; got != 3 {
		t.Fatalf("set calls = %d, want 3", got)
	}
	// 10ms then 20ms of backoff.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("latency %v shorter than the backoff schedule", elapsed)
	}
	w, _ := s.Get(ctx, "k")
	if w.Coins != 11 {
		t.Fatalf("coins = %d, want 11", w.Coins)
	}
}

func TestUpdate_RetryExhausted(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	s.Load(ctx, "k")
	b.ThrottleNext(inmemory.OpSet, 10)
	if _, err := s.Update(ctx, "k", addCoins(1)); !errors.Is(err, lyra.ErrRetryExhausted) {
		t.Fatalf("want RetryExhausted, got %v", err)
	}
	b.SetFault(nil)
	w, _ := s.Get(ctx, "k")
	if w.Coins != 10 {
		t.Fatalf("failed commit changed the cache: %+v", w)
	}
}

func TestUpdate_ReentryRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil, "o", func(o *Options[wallet]) {
		o.UseMock = true
		o.MaxTransformDuration = 50 * time.Millisecond
	})
	s.Load(ctx, "k")
	var inner error
	ok, err := s.Update(ctx, "k", func(w *wallet) bool {
		inner = s.Unload(ctx, "k")
		w.Coins = 0
		return true
	})
	if lyra.CodeOf(inner) != lyra.UsageFailure {
		t.Fatalf("Unload from inside a transform: %v", inner)
	}
	if ok || lyra.CodeOf(err) != lyra.UsageFailure {
		t.Fatalf("re-entered transform should abort with a usage error, got %v, %v", ok, err)
	}
	if !s.Loaded("k") {
		t.Fatalf("re-entrant Unload removed the key")
	}
	if w, _ := s.Get(ctx, "k"); w.Coins != 10 {
		t.Fatalf("aborted transform committed: %+v", w)
	}
}

func TestUpdate_ConcurrentCallerWaits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil, "o", func(o *Options[wallet]) { o.UseMock = true })
	s.Load(ctx, "k")

	started, release := make(chan struct{}), make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := s.Update(ctx, "k", func(w *wallet) bool {
			close(started)
			<-release
			w.Coins++
			return true
		})
		first <- err
	}()
	<-started
	second := make(chan error, 1)
	go func() {
		_, err := s.Update(ctx, "k", addCoins(5))
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("concurrent Update should wait, not fail: %v", err)
	}
	if w, _ := s.Get(ctx, "k"); w.Coins != 16 {
		t.Fatalf("coins = %d, want 16", w.Coins)
	}
}

func TestLoadAndUpdate_ThrottledOnEveryOp(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	// Two of every three calls are throttled, whatever the operation.
	n := 0
	b.SetFault(func(inmemory.Op, string) error {
		n++
		if n%3 != 0 {
			return lyra.ErrThrottled
		}
		return nil
	})
	if err := s.Load(ctx, "k"); err != nil {
		t.Fatalf("Load under throttling failed: %v", err)
	}
	ok, err := s.Update(ctx, "k", addCoins(4))
	if err != nil || !ok {
		t.Fatalf("Update under throttling = %v, %v", ok, err)
	}
	got, err := s.Peek(ctx, "k")
	if err != nil {
		t.Fatalf("Peek under throttling failed: %v", err)
	}
	if diff := cmp.Diff(&wallet{Coins: 14, Items: []string{}}, got); diff != "" {
		t.Fatalf("committed record mismatch (-want +got):\n%s", diff)
	}
	b.SetFault(nil)
	if n%3 != 0 {
		t.Fatalf("%d backend calls, every op should have taken three attempts", n)
	}
}

func TestLoad_InProgress(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	b.SetFault(func(op inmemory.Op, key string) error {
		if op == inmemory.OpGet && key == "wallets/k" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})
	loaded := make(chan error, 1)
	go func() { loaded <- s.Load(ctx, "k") }()
	<-entered

	if err := s.Load(ctx, "k"); lyra.CodeOf(err) != lyra.LoadInProgress {
		t.Fatalf("second Load during a load: %v", err)
	}
	if err := s.Unload(ctx, "k"); lyra.CodeOf(err) != lyra.LoadInProgress {
		t.Fatalf("Unload during a load: %v", err)
	}
	if _, err := s.Update(ctx, "k", addCoins(1)); !errors.Is(err, lyra.ErrKeyNotLoaded) {
		t.Fatalf("Update during a load: %v", err)
	}
	close(release)
	if err := <-loaded; err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b.SetFault(nil)
	if err := s.Unload(ctx, "k"); err != nil {
		t.Fatalf("Unload after the load finished: %v", err)
	}
}

func TestChangedCallbacks(t *testing.T) {
	ctx := context.Background()
	type change struct {
		key      string
		old, got int
	}
	var got []change
	s := newStore(t, nil, "o", func(o *Options[wallet]) {
		o.UseMock = true
		o.ChangedCallbacks = []ChangedCallback[wallet]{func(key string, n, old *wallet) {
			got = append(got, change{key, old.Coins, n.Coins})
		}}
	})
	s.Load(ctx, "k")
	s.Update(ctx, "k", addCoins(3))
	s.Update(ctx, "k", func(*wallet) bool { return false })
	want := []change{{"k", 10, 13}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(change{})); diff != "" {
		t.Fatalf("callbacks (-want +got):\n%s", diff)
	}
}

func TestTx_TransfersAtomically(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	for _, k := range []string{"alice", "bob"} {
		if err := s.Load(ctx, k); err != nil {
			t.Fatalf("Load %s: %v", k, err)
		}
	}
	ok, err := s.Tx(ctx, []string{"bob", "alice", "bob"}, func(m map[string]*wallet) bool {
		m["alice"].Coins -= 4
		m["bob"].Coins += 4
		return true
	})
	if err != nil || !ok {
		t.Fatalf("Tx = %v, %v", ok, err)
	}
	a, _ := s.Get(ctx, "alice")
	bb, _ := s.Get(ctx, "bob")
	if a.Coins != 6 || bb.Coins != 14 {
		t.Fatalf("alice=%d bob=%d", a.Coins, bb.Coins)
	}
	peeked, err := s.Peek(ctx, "bob")
	if err != nil || peeked.Coins != 14 {
		t.Fatalf("Peek bob = %+v, %v", peeked, err)
	}
}

func TestTx_AbortAndKeySetMutation(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	s.Load(ctx, "a")
	s.Load(ctx, "b")
	s.Tx(ctx, []string{"a", "b"}, func(m map[string]*wallet) bool { return true })
	before, _ := b.Snapshot("wallets/a")

	ok, err := s.Tx(ctx, []string{"a", "b"}, func(m map[string]*wallet) bool {
		m["a"].Coins = 0
		return false
	})
	if ok || err != nil {
		t.Fatalf("aborted Tx = %v, %v", ok, err)
	}
	_, err = s.Tx(ctx, []string{"a", "b"}, func(m map[string]*wallet) bool {
		delete(m, "b")
		return true
	})
	if !errors.Is(err, lyra.ErrKeySetMutated) {
		t.Fatalf("want KeySetMutated, got %v", err)
	}
	after, _ := b.Snapshot("wallets/a")
	if !bytes.Equal(before.Data, after.Data) || before.Version != after.Version {
		t.Fatalf("aborted transactions touched the backend")
	}
	if _, err := s.Tx(ctx, []string{"a", "missing"}, func(map[string]*wallet) bool { return true }); !errors.Is(err, lyra.ErrKeyNotLoaded) {
		t.Fatalf("unloaded key in Tx: %v", err)
	}
}

func TestPeek(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	w, err := s.Peek(ctx, "nobody")
	if err != nil || w != nil {
		t.Fatalf("Peek of never written key = %+v, %v", w, err)
	}
	s.Load(ctx, "k")
	// Loaded but not yet written: only a lease placeholder exists.
	if w, _ := s.Peek(ctx, "k"); w != nil {
		t.Fatalf("placeholder peeked as %+v", w)
	}
	s.Update(ctx, "k", addCoins(7))

	reader := newStore(t, b, "reader")
	w, err = reader.Peek(ctx, "k")
	if err != nil || w.Coins != 17 {
		t.Fatalf("Peek = %+v, %v", w, err)
	}
	if reader.Loaded("k") {
		t.Fatalf("Peek loaded the key")
	}
}

func TestPeek_MigratesOldRecords(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	old := newStore(t, b, "o")
	old.Load(ctx, "k")
	old.Update(ctx, "k", addCoins(1))
	old.Unload(ctx, "k")

	s := newStore(t, b, "p", func(o *Options[wallet]) {
		o.MigrationSteps = []migration.Step{migration.Transform(1, "double", func(w *wallet) error {
			w.Coins *= 2
			return nil
		})}
	})
	w, err := s.Peek(ctx, "k")
	if err != nil || w.Coins != 22 {
		t.Fatalf("Peek = %+v, %v", w, err)
	}
	// Peek never writes the migration back.
	if raw, _ := b.Snapshot("wallets/k"); raw.Metadata[lyra.MetaSchemaVersion] != "0" {
		t.Fatalf("Peek stamped schema version %q", raw.Metadata[lyra.MetaSchemaVersion])
	}
}

func TestListAndReadVersions(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	s.Load(ctx, "k", "user-1")
	s.Update(ctx, "k", addCoins(1))
	s.Update(ctx, "k", addCoins(1))

	page, err := s.ListVersions(ctx, lyra.ListVersionsParams{Key: "k", SortDescending: true})
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(page.Versions) < 3 {
		t.Fatalf("got %d versions, want at least 3", len(page.Versions))
	}
	var coins []int
	for _, v := range page.Versions {
		if v.Key != "k" {
			t.Fatalf("version key %q not mapped back", v.Key)
		}
		w, info, err := s.ReadVersion(ctx, "k", v.Version)
		if err != nil {
			if lyra.CodeOf(err) != lyra.UsageFailure {
				t.Fatalf("ReadVersion %s: %v", v.Version, err)
			}
			continue
		}
		if info.Version != v.Version {
			t.Fatalf("info version %q, want %q", info.Version, v.Version)
		}
		if diff := cmp.Diff([]string{"user-1"}, info.UserIDs); diff != "" {
			t.Fatalf("user ids (-want +got):\n%s", diff)
		}
		coins = append(coins, w.Coins)
	}
	if diff := cmp.Diff([]int{12, 11}, coins); diff != "" {
		t.Fatalf("historical coins (-want +got):\n%s", diff)
	}

	// Second read is served from the version cache.
	gets := b.Calls(inmemory.OpGetVersion)
	if _, _, err := s.ReadVersion(ctx, "k", page.Versions[0].Version); err != nil {
		t.Fatalf("cached ReadVersion: %v", err)
	}
	if b.Calls(inmemory.OpGetVersion) != gets {
		t.Fatalf("cached version read hit the backend")
	}
	if _, _, err := s.ReadVersion(ctx, "k", "no-such-version"); lyra.CodeOf(err) != lyra.UsageFailure {
		t.Fatalf("unknown version: %v", err)
	}
}

func TestDeferred_AutosaveWrites(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o", func(o *Options[wallet]) { o.SaveMode = Deferred })
	s.Load(ctx, "k")
	before := b.Calls(inmemory.OpSet)
	if ok, err := s.Update(ctx, "k", addCoins(2)); !ok || err != nil {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if b.Calls(inmemory.OpSet) != before {
		t.Fatalf("deferred Update wrote to the backend")
	}
	s.Autosave()
	obj, _ := b.Snapshot("wallets/k")
	if !obj.HasRecord() {
		t.Fatalf("autosave did not write the record")
	}
	raw, err := shard.DecodeInline(obj.Data)
	if err != nil {
		t.Fatalf("stored record unreadable: %v", err)
	}
	var w wallet
	if err := json.Unmarshal(raw, &w); err != nil || w.Coins != 12 {
		t.Fatalf("stored record = %+v, %v", w, err)
	}
}

func TestSave_WritesSeededRecord(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	s.Load(ctx, "k")
	if obj, _ := b.Snapshot("wallets/k"); obj.HasRecord() {
		t.Fatalf("seeded record written before save")
	}
	if err := s.Save(ctx, "k"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if obj, _ := b.Snapshot("wallets/k"); !obj.HasRecord() {
		t.Fatalf("Save did not write")
	}
	if err := s.Save(ctx, "other"); !errors.Is(err, lyra.ErrKeyNotLoaded) {
		t.Fatalf("Save of unloaded key: %v", err)
	}
}

func TestLockLost_UnloadsKeyAndNotifies(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	lost := make(chan string, 1)
	s := newStore(t, b, "o", func(o *Options[wallet]) {
		o.OnLockLost = func(key string, _ error) { lost <- key }
	})
	s.Load(ctx, "k")
	s.Update(ctx, "k", addCoins(1))

	// Another owner takes the key over behind our back.
	obj, _ := b.Snapshot("wallets/k")
	thief, _ := json.Marshal(lock.Lease{OwnerID: "thief", SessionID: "x", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)})
	obj.SetMeta(lyra.MetaLease, string(thief))
	if _, err := b.Set(ctx, "wallets/k", obj, obj.Version); err != nil {
		t.Fatalf("takeover write failed: %v", err)
	}

	if _, err := s.Update(ctx, "k", addCoins(1)); !errors.Is(err, lyra.ErrCorruption) {
		t.Fatalf("stale write: %v", err)
	}
	select {
	case key := <-lost:
		if key != "k" {
			t.Fatalf("lock lost for %q", key)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnLockLost not called")
	}
	if s.Loaded("k") {
		t.Fatalf("invalidated key still registered")
	}
}

func TestClose_ReleasesLeasesAndRejectsCalls(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o")
	for _, k := range []string{"a", "b", "c"} {
		s.Load(ctx, k)
	}
	s.Update(ctx, "b", addCoins(1))
	if active, _ := s.ProbeLockActive(ctx, "a"); !active {
		t.Fatalf("lease of a not visible")
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if active, err := s.ProbeLockActive(ctx, k); err != nil || active {
			t.Fatalf("lease of %s after close: %v, %v", k, active, err)
		}
	}
	// Seeded records are saved on close.
	if obj, _ := b.Snapshot("wallets/a"); !obj.HasRecord() {
		t.Fatalf("dirty seeded record not saved on close")
	}
	if err := s.Load(ctx, "a"); !errors.Is(err, lyra.ErrStoreClosed) {
		t.Fatalf("Load after close: %v", err)
	}
	if _, err := s.Update(ctx, "a", addCoins(1)); !errors.Is(err, lyra.ErrStoreClosed) {
		t.Fatalf("Update after close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClose_AbandonsRunningTransform(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	s := newStore(t, b, "o", func(o *Options[wallet]) { o.CloseTimeout = 50 * time.Millisecond })
	s.Load(ctx, "k")
	s.Save(ctx, "k")

	started, release := make(chan struct{}), make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := s.Update(ctx, "k", func(w *wallet) bool {
			close(started)
			<-release
			w.Coins = 99
			return true
		})
		result <- err
	}()
	<-started

	begin := time.Now()
	err := s.Close(ctx)
	if lyra.CodeOf(err) != lyra.UsageFailure {
		t.Fatalf("Close with a running transform: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("Close took %v, longer than its timeout", elapsed)
	}
	if active, err := s.ProbeLockActive(ctx, "k"); err != nil || active {
		t.Fatalf("lease after close: %v, %v", active, err)
	}

	close(release)
	if err := <-result; !errors.Is(err, lyra.ErrStoreClosed) {
		t.Fatalf("commit after close: %v", err)
	}
	got, err := s.Peek(ctx, "k")
	if err != nil || got.Coins != 10 {
		t.Fatalf("abandoned transform reached the backend: %+v, %v", got, err)
	}
	// Another owner can take the key at once.
	other := newStore(t, b, "p")
	if err := other.Load(ctx, "k"); err != nil {
		t.Fatalf("Load by another owner after close: %v", err)
	}
}

func TestUnload_Errors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil, "o", func(o *Options[wallet]) { o.UseMock = true })
	if err := s.Unload(ctx, "nope"); !errors.Is(err, lyra.ErrKeyNotLoaded) {
		t.Fatalf("Unload of unknown key: %v", err)
	}
	s.Load(ctx, "k")
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, k := range []string{"k", "nope"} {
		if err := s.Unload(ctx, k); !errors.Is(err, lyra.ErrStoreClosed) {
			t.Fatalf("Unload(%q) after close: %v", k, err)
		}
	}
}

func TestLogCallback_ReceivesRecords(t *testing.T) {
	var mu sync.Mutex
	var msgs []lyra.LogMessage
	s := newStore(t, nil, "o", func(o *Options[wallet]) {
		o.UseMock = true
		o.LogLevel = lyra.LevelTrace
		o.LogCallback = func(m lyra.LogMessage) {
			mu.Lock()
			msgs = append(msgs, m)
			mu.Unlock()
		}
	})
	s.Load(context.Background(), "k")
	mu.Lock()
	defer mu.Unlock()
	if len(msgs) == 0 {
		t.Fatalf("no log messages delivered")
	}
	if msgs[0].Context["store"] != "wallets" {
		t.Fatalf("store attribute missing: %+v", msgs[0])
	}
}
