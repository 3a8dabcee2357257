package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/gateway"
	"github.com/sharedcode/lyra/inmemory"
)

func newManager(b *inmemory.Backend, opts Options) *Manager {
	return NewManager(gateway.New(b, lyra.RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 2}, nil), opts)
}

func TestAcquire_ExclusiveAcrossOwners(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	m := newManager(b, Options{})

	lease, obj, err := m.Acquire(ctx, "k", "owner-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.OwnerID != "owner-a" || obj.HasRecord() {
		t.Fatalf("unexpected lease %+v / record %v", lease, obj.HasRecord())
	}
	_, _, err = m.Acquire(ctx, "k", "owner-b")
	var le lyra.Error
	if !errors.As(err, &le) || le.Code != lyra.LockContention || le.UserData != "owner-a" {
		t.Fatalf("expected LockContention naming owner-a, got %v", err)
	}
	if live, _ := m.Probe(ctx, "k"); !live {
		t.Fatalf("Probe should see the lease")
	}
}

func TestAcquire_TakesOverExpiredLease(t *testing.T) {
	prev := lyra.Now
	defer func() { lyra.Now = prev }()
	base := time.Now()
	lyra.Now = func() time.Time { return base }

	ctx := context.Background()
	b := inmemory.New(0)
	m := newManager(b, Options{TTL: time.Second})
	if _, _, err := m.Acquire(ctx, "k", "owner-a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	lyra.Now = func() time.Time { return base.Add(2 * time.Second) }
	if live, _ := m.Probe(ctx, "k"); live {
		t.Fatalf("lease should have expired")
	}
	lease, _, err := m.Acquire(ctx, "k", "owner-b")
	if err != nil || lease.OwnerID != "owner-b" {
		t.Fatalf("takeover failed: %+v %v", lease, err)
	}
}

func TestRenew_DetectsTakeover(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	m := newManager(b, Options{})
	_, obj, err := m.Acquire(ctx, "k", "owner-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	renewed, obj2, err := m.Renew(ctx, "k", obj)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if obj2.Version == obj.Version {
		t.Fatalf("renew must write a new version")
	}
	// A second renew from the stale object loses.
	if _, _, err := m.Renew(ctx, "k", obj); !errors.Is(err, lyra.ErrLockLost) {
		t.Fatalf("expected LockLost, got %v", err)
	}
	got, _ := b.Snapshot("k")
	held, _, _ := Read(got)
	if held.SessionID != renewed.SessionID {
		t.Fatalf("stored lease %+v, want session %s", held, renewed.SessionID)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	m := newManager(b, Options{})

	_, obj, _ := m.Acquire(ctx, "placeholder", "owner-a")
	if err := m.Release(ctx, "placeholder", obj); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := b.Snapshot("placeholder"); ok {
		t.Fatalf("lease-only key should be deleted on release")
	}

	rec := lyra.Object{Data: []byte("x")}
	rec.SetMeta(lyra.MetaFormat, "1")
	if _, err := b.Set(ctx, "rec", rec, lyra.NoVersion); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, obj, err := m.Acquire(ctx, "rec", "owner-a")
	if err != nil || !obj.HasRecord() {
		t.Fatalf("Acquire = %v, record %v", err, obj.HasRecord())
	}
	if err := m.Release(ctx, "rec", obj); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	got, ok := b.Snapshot("rec")
	if !ok || string(got.Data) != "x" {
		t.Fatalf("record lost on release")
	}
	if _, has, _ := Read(got); has {
		t.Fatalf("lease still present after release")
	}
	// Releasing with a stale object is a no-op.
	if err := m.Release(ctx, "rec", obj); err != nil {
		t.Fatalf("stale release should be ignored: %v", err)
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	holder := newManager(b, Options{})
	waiter := newManager(b, Options{Wait: 2 * time.Second})

	_, obj, err := holder.Acquire(ctx, "k", "owner-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Release(ctx, "k", obj)
	}()
	lease, _, err := waiter.Acquire(ctx, "k", "owner-b")
	if err != nil || lease.OwnerID != "owner-b" {
		t.Fatalf("waiting Acquire = %+v, %v", lease, err)
	}
}

func TestRead_CorruptLease(t *testing.T) {
	obj := lyra.Object{}
	obj.SetMeta(lyra.MetaLease, "{not json")
	if _, _, err := Read(obj); !errors.Is(err, lyra.ErrCorruption) {
		t.Fatalf("expected Corruption, got %v", err)
	}
}

func TestLeaseWrites_StayOutOfHistory(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	rec := lyra.Object{Data: []byte("rec")}
	rec.SetMeta(lyra.MetaFormat, "1")
	if _, err := b.Set(ctx, "k", rec, lyra.NoVersion); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := newManager(b, Options{})
	_, obj, err := m.Acquire(ctx, "k", "owner-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if obj.LeaseOnly {
		t.Fatalf("returned object must not carry the lease-only hint")
	}
	_, obj, err = m.Renew(ctx, "k", obj)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if err := m.Release(ctx, "k", obj); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	page, _ := b.ListVersions(ctx, lyra.ListVersionsParams{Key: "k"})
	if len(page.Versions) != 1 {
		t.Fatalf("history has %d versions, want only the record write", len(page.Versions))
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New(0)
	m := newManager(b, Options{})
	lease, obj, err := m.Acquire(ctx, "k", "owner-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// Renew moves the token past the object held by the caller.
	if _, _, err := m.Renew(ctx, "k", obj); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if err := m.Revoke(ctx, "k", lease); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if live, _ := m.Probe(ctx, "k"); live {
		t.Fatalf("lease still live after Revoke")
	}

	other, _, err := m.Acquire(ctx, "k", "owner-b")
	if err != nil {
		t.Fatalf("Acquire by owner-b failed: %v", err)
	}
	if err := m.Revoke(ctx, "k", lease); err != nil {
		t.Fatalf("Revoke of a stale lease should do nothing, got %v", err)
	}
	held, ok, _ := func() (Lease, bool, error) {
		o, _, _ := b.Get(ctx, "k")
		return Read(o)
	}()
	if !ok || held.SessionID != other.SessionID {
		t.Fatalf("Revoke removed another session's lease")
	}
}
