package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/cache"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/storage"
	"github.com/nidhogg/overseer/internal/storage/sqlite"
)

var (
	alice = core.AgentIdentity{AgentID: "alice", Type: core.AgentTypeAgent}
	bob   = core.AgentIdentity{AgentID: "bob", Type: core.AgentTypeAgent}
	root  = core.AgentIdentity{AgentID: "root", Type: core.AgentTypeAdmin}
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", 1, 5*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(newTestStore(t), cache.NewLocal(256, zap.NewNop()), 30*time.Second, zap.NewNop())
}

func TestSetGetRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	val := core.Metadata(`{"plan":"north","step":2}`)
	if _, err := svc.Set(ctx, alice, "route", val, core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := svc.Get(ctx, alice, "route", core.ScopeGlobal, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != string(val) {
		t.Errorf("value = %s, want %s round-tripped", got.Value, val)
	}
	if got.Owner != "alice" || got.ExpiresAt != nil {
		t.Errorf("entry = %+v", got)
	}

	// Cache hit path agrees with storage.
	again, err := svc.Get(ctx, alice, "route", core.ScopeGlobal, "")
	if err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if string(again.Value) != string(val) {
		t.Errorf("cached value = %s", again.Value)
	}
}

func TestOwnershipScenario(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Agent A writes a global key; agent B can read it...
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`"v"`), core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := svc.Get(ctx, bob, "k", core.ScopeGlobal, "")
	if err != nil {
		t.Fatalf("Get as bob: %v", err)
	}
	if string(got.Value) != `"v"` {
		t.Errorf("value = %s, want \"v\"", got.Value)
	}

	// ...but cannot overwrite it.
	if _, err := svc.Set(ctx, bob, "k", core.Metadata(`"v2"`), core.ScopeGlobal, "", 0); !errors.Is(err, core.ErrPermission) {
		t.Fatalf("overwrite by non-owner: err = %v, want ErrPermission", err)
	}

	// The owner can.
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`"v2"`), core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("overwrite by owner: %v", err)
	}
	got, err = svc.Get(ctx, bob, "k", core.ScopeGlobal, "")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got.Value) != `"v2"` {
		t.Errorf("value = %s, want \"v2\"", got.Value)
	}
}

func TestAdminOverwritePreservesOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`1`), core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := svc.Set(ctx, root, "k", core.Metadata(`2`), core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("admin overwrite: %v", err)
	}

	got, err := svc.Get(ctx, alice, "k", core.ScopeGlobal, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Owner != "alice" {
		t.Errorf("owner = %s, want alice preserved", got.Owner)
	}
	if string(got.Value) != `2` {
		t.Errorf("value = %s, want admin's write", got.Value)
	}

	// Alice still owns the key and may overwrite again.
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`3`), core.ScopeGlobal, "", 0); err != nil {
		t.Errorf("owner overwrite after admin touch: %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`"v"`), core.ScopeGlobal, "", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := svc.Get(ctx, alice, "k", core.ScopeGlobal, ""); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	// Past the TTL the value reads as absent even though no purge ran.
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := svc.Get(ctx, alice, "k", core.ScopeGlobal, ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Get after expiry: err = %v, want ErrNotFound", err)
	}

	// The key is reusable by a different agent once expired.
	if _, err := svc.Set(ctx, bob, "k", core.Metadata(`"w"`), core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("Set over expired entry: %v", err)
	}
	got, err := svc.Get(ctx, bob, "k", core.ScopeGlobal, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Owner != "bob" {
		t.Errorf("owner = %s, want bob after expiry takeover", got.Owner)
	}
}

func TestPurge(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	if _, err := svc.Set(ctx, alice, "dies", core.Metadata(`1`), core.ScopeGlobal, "", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := svc.Set(ctx, alice, "lives", core.Metadata(`2`), core.ScopeGlobal, "", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	svc.now = func() time.Time { return base.Add(time.Minute) }
	n, err := svc.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
	if _, err := svc.Get(ctx, alice, "lives", core.ScopeGlobal, ""); err != nil {
		t.Errorf("unexpired entry gone after purge: %v", err)
	}
}

func TestScopeValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, alice, "", core.Metadata(`1`), core.ScopeGlobal, "", 0); !core.IsValidation(err) {
		t.Errorf("empty key: err = %v", err)
	}
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`1`), core.MemoryScope("planet"), "", 0); !core.IsValidation(err) {
		t.Errorf("bad scope: err = %v", err)
	}
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`1`), core.ScopeSession, "", 0); !core.IsValidation(err) {
		t.Errorf("session scope without session: err = %v", err)
	}
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`1`), core.ScopeGlobal, "some-session", 0); !core.IsValidation(err) {
		t.Errorf("global scope with session: err = %v", err)
	}
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`1`), core.ScopeSession, "11111111-2222-3333-4444-555555555555", 0); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing session: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Set(ctx, alice, "k", core.Metadata(`1`), core.ScopeGlobal, "", -time.Second); !core.IsValidation(err) {
		t.Errorf("negative ttl: err = %v", err)
	}
}

// sessionScoped creates a session (by alice) with one bob message, so both
// count as participants, and returns the shared store plus the session id.
func sessionScoped(t *testing.T) (*Service, string) {
	t.Helper()
	store := newTestStore(t)
	c := cache.NewLocal(256, zap.NewNop())
	sessions := session.New(store, c, 30*time.Second, zap.NewNop())

	sess, err := sessions.Create(context.Background(), alice, "shared work", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.AddMessage(context.Background(), bob, sess.ID, "hi", core.VisibilityPublic, nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	return New(store, c, 30*time.Second, zap.NewNop()), sess.ID
}

func TestSessionScopeVisibility(t *testing.T) {
	svc, sessID := sessionScoped(t)
	ctx := context.Background()
	carol := core.AgentIdentity{AgentID: "carol", Type: core.AgentTypeAgent}

	if _, err := svc.Set(ctx, alice, "notes", core.Metadata(`"a"`), core.ScopeSession, sessID, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Participants and admins read session entries; strangers do not.
	if _, err := svc.Get(ctx, bob, "notes", core.ScopeSession, sessID); err != nil {
		t.Errorf("participant read: %v", err)
	}
	if _, err := svc.Get(ctx, root, "notes", core.ScopeSession, sessID); err != nil {
		t.Errorf("admin read: %v", err)
	}
	if _, err := svc.Get(ctx, carol, "notes", core.ScopeSession, sessID); !errors.Is(err, core.ErrPermission) {
		t.Errorf("stranger read: err = %v, want ErrPermission", err)
	}
}

func TestListVisibilityAndPrefix(t *testing.T) {
	svc, sessID := sessionScoped(t)
	ctx := context.Background()
	carol := core.AgentIdentity{AgentID: "carol", Type: core.AgentTypeAgent}

	seed := map[string]core.AgentIdentity{
		"plan/a": alice,
		"plan/b": bob,
		"note/c": carol,
	}
	for key, owner := range seed {
		if _, err := svc.Set(ctx, owner, key, core.Metadata(`1`), core.ScopeSession, sessID, 0); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	all, err := svc.List(ctx, alice, core.ScopeSession, sessID, "")
	if err != nil {
		t.Fatalf("List as participant: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("participant sees %d entries, want 3", len(all))
	}

	// Carol never joined the session: she sees only her own entry.
	own, err := svc.List(ctx, carol, core.ScopeSession, sessID, "")
	if err != nil {
		t.Fatalf("List as stranger: %v", err)
	}
	if len(own) != 1 || own[0].Key != "note/c" {
		t.Errorf("stranger sees %+v, want only note/c", own)
	}

	planned, err := svc.List(ctx, alice, core.ScopeSession, sessID, "plan/")
	if err != nil {
		t.Fatalf("List with prefix: %v", err)
	}
	if len(planned) != 2 {
		t.Errorf("prefix list = %+v, want 2 entries", planned)
	}
}
