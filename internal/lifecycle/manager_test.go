package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/keycodec"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.EventType
}

func (p *recordingPublisher) Publish(t events.EventType, _ events.Payload) {
	p.mu.Lock()
	p.events = append(p.events, t)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == t {
			n++
		}
	}
	return n
}

type invalidations struct {
	mu  sync.Mutex
	ids []string
}

func (i *invalidations) InvalidateKey(_ context.Context, id string) error {
	i.mu.Lock()
	i.ids = append(i.ids, id)
	i.mu.Unlock()
	return nil
}

type fixture struct {
	manager *Manager
	keys    store.CredentialStore
	pub     *recordingPublisher
	inval   *invalidations
	now     time.Time
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		keys:  store.NewGormCredentialStore(db),
		pub:   &recordingPublisher{},
		inval: &invalidations{},
		now:   time.Now().UTC().Truncate(time.Second),
	}
	f.manager = NewManager(f.keys, keycodec.Default(), f.inval, f.pub, policy, zerolog.Nop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func readOnly() CreateRequest {
	return CreateRequest{Name: "ci", Scopes: models.NewScopeSet(models.ScopeRead)}
}

func TestCreateReturnsTokenOnce(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	key, token, err := f.manager.Create(ctx, "owner-1", readOnly())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tok, err := keycodec.Default().Decode(token)
	if err != nil {
		t.Fatalf("decode issued token: %v", err)
	}
	if tok.ID != key.ID {
		t.Fatalf("token id %q does not match record %q", tok.ID, key.ID)
	}

	stored, err := f.keys.Get(ctx, key.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !keycodec.CompareSecret(stored.SecretHash, tok.Secret) {
		t.Fatal("stored hash does not verify the issued secret")
	}
	if stored.Status != models.KeyStatusActive {
		t.Fatalf("status = %s", stored.Status)
	}
	if !stored.ExpiresAt.Equal(f.now.Add(DefaultPolicy().DefaultTTL)) {
		t.Fatalf("expected default ttl, expires_at = %v", stored.ExpiresAt)
	}
	if stored.RateLimit != DefaultPolicy().DefaultRateLimit {
		t.Fatalf("expected default rate limit, got %+v", stored.RateLimit)
	}
	if f.pub.count(events.EventKeyCreated) != 1 {
		t.Fatal("expected a created event")
	}
}

func TestCreateValidation(t *testing.T) {
	policy := DefaultPolicy()
	f := newFixture(t, policy)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"no scopes", CreateRequest{Name: "x"}, ErrInvalidRequest},
		{"no name", CreateRequest{Scopes: models.NewScopeSet(models.ScopeRead)}, ErrInvalidRequest},
		{"ttl over max", CreateRequest{Name: "x", Scopes: models.NewScopeSet(models.ScopeRead), TTL: policy.MaxTTL + time.Hour}, ErrTTLExceedsMax},
		{"negative ttl", CreateRequest{Name: "x", Scopes: models.NewScopeSet(models.ScopeRead), TTL: -time.Hour}, ErrInvalidRequest},
		{"bad ip", CreateRequest{Name: "x", Scopes: models.NewScopeSet(models.ScopeRead), IPWhitelist: []string{"300.1.1.1"}}, ErrInvalidRequest},
		{"public suffix", CreateRequest{Name: "x", Scopes: models.NewScopeSet(models.ScopeRead), DomainRestrictions: []string{"co.uk"}}, ErrInvalidRequest},
		{"wildcard suffix", CreateRequest{Name: "x", Scopes: models.NewScopeSet(models.ScopeRead), DomainRestrictions: []string{"*.com"}}, ErrInvalidRequest},
		{"negative limit", CreateRequest{Name: "x", Scopes: models.NewScopeSet(models.ScopeRead), RateLimit: &models.RateLimit{RequestsPerMinute: -1}}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.manager.Create(ctx, "owner-1", tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateNormalizesRestrictions(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	req := readOnly()
	req.IPWhitelist = []string{" 10.0.0.7/24 ", "::ffff:203.0.113.9", "203.0.113.9"}
	req.DomainRestrictions = []string{"Example.COM.", "*.App.example.com"}

	key, _, err := f.manager.Create(context.Background(), "owner-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(key.IPWhitelist) != 2 || key.IPWhitelist[0] != "10.0.0.0/24" || key.IPWhitelist[1] != "203.0.113.9" {
		t.Fatalf("unexpected whitelist %v", key.IPWhitelist)
	}
	if key.DomainRestrictions[0] != "example.com" || key.DomainRestrictions[1] != "*.app.example.com" {
		t.Fatalf("unexpected domains %v", key.DomainRestrictions)
	}
}

func TestMaxKeysPerOwner(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxKeysPerOwner = 2
	f := newFixture(t, policy)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := f.manager.Create(ctx, "owner-1", readOnly()); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, _, err := f.manager.Create(ctx, "owner-1", readOnly()); !errors.Is(err, ErrTooManyKeys) {
		t.Fatalf("expected ErrTooManyKeys, got %v", err)
	}
	if _, _, err := f.manager.Create(ctx, "owner-2", readOnly()); err != nil {
		t.Fatalf("other owners are unaffected: %v", err)
	}
}

func TestRotateReplacesSecret(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	key, oldToken, _ := f.manager.Create(ctx, "owner-1", readOnly())
	rotated, newToken, err := f.manager.Rotate(ctx, key.ID, RotateRequest{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.ID != key.ID {
		t.Fatal("rotation must keep the key id")
	}

	oldTok, _ := keycodec.Default().Decode(oldToken)
	newTok, _ := keycodec.Default().Decode(newToken)
	stored, _ := f.keys.Get(ctx, key.ID)
	if keycodec.CompareSecret(stored.SecretHash, oldTok.Secret) {
		t.Fatal("old secret still verifies")
	}
	if !keycodec.CompareSecret(stored.SecretHash, newTok.Secret) {
		t.Fatal("new secret does not verify")
	}
	if stored.PreviousSecretHash != "" || stored.InGracePeriodAt(f.now) {
		t.Fatal("rotation without grace must not keep the previous secret")
	}
	if stored.LastRotatedAt == nil {
		t.Fatal("expected lastRotatedAt")
	}
	if len(f.inval.ids) == 0 || f.inval.ids[len(f.inval.ids)-1] != key.ID {
		t.Fatal("expected cache invalidation on rotate")
	}
}

func TestRotateWithGracePeriod(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	key, oldToken, _ := f.manager.Create(ctx, "owner-1", readOnly())
	if _, _, err := f.manager.Rotate(ctx, key.ID, RotateRequest{GracePeriod: time.Hour}); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	oldTok, _ := keycodec.Default().Decode(oldToken)
	stored, _ := f.keys.Get(ctx, key.ID)
	if !stored.InGracePeriodAt(f.now.Add(59*time.Minute)) || stored.InGracePeriodAt(f.now.Add(time.Hour)) {
		t.Fatal("grace window should last exactly one hour")
	}
	if !keycodec.CompareSecret(stored.PreviousSecretHash, oldTok.Secret) {
		t.Fatal("previous hash should verify the old secret during the grace period")
	}

	if _, _, err := f.manager.Rotate(ctx, key.ID, RotateRequest{GracePeriod: 48 * time.Hour}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected grace over maximum to be rejected, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	key, _, _ := f.manager.Create(ctx, "owner-1", readOnly())

	first, err := f.manager.Revoke(ctx, key.ID, "leaked")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	second, err := f.manager.Revoke(ctx, key.ID, "again")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if first.Status != models.KeyStatusRevoked || second.Status != models.KeyStatusRevoked {
		t.Fatal("expected revoked status")
	}
	if second.RevokeReason != "leaked" {
		t.Fatalf("second revoke must not overwrite the reason, got %q", second.RevokeReason)
	}
	if n := f.pub.count(events.EventKeyRevoked); n != 1 {
		t.Fatalf("expected one revoke event, got %d", n)
	}

	if _, _, err := f.manager.Rotate(ctx, key.ID, RotateRequest{}); !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("expected rotating a revoked key to fail, got %v", err)
	}
}

func TestSweepAndWarn(t *testing.T) {
	policy := DefaultPolicy()
	policy.SweepBatchSize = 2
	f := newFixture(t, policy)
	ctx := context.Background()

	short := readOnly()
	short.TTL = time.Hour
	var ids []string
	for i := 0; i < 3; i++ {
		k, _, _ := f.manager.Create(ctx, "owner-1", short)
		ids = append(ids, k.ID)
	}
	long, _, _ := f.manager.Create(ctx, "owner-1", readOnly())

	warned, err := f.manager.WarnExpiring(ctx)
	if err != nil {
		t.Fatalf("warn: %v", err)
	}
	if warned != 2 {
		t.Fatalf("expected first batch of 2 warnings, got %d", warned)
	}
	warned, _ = f.manager.WarnExpiring(ctx)
	if warned != 1 {
		t.Fatalf("expected the remaining key to be warned once, got %d", warned)
	}
	if warned, _ = f.manager.WarnExpiring(ctx); warned != 0 {
		t.Fatalf("keys must be warned only once, got %d", warned)
	}

	f.now = f.now.Add(2 * time.Hour)
	expired, err := f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 3 {
		t.Fatalf("expected 3 expired keys, got %d", expired)
	}
	for _, id := range ids {
		k, _ := f.keys.Get(ctx, id)
		if k.Status != models.KeyStatusExpired {
			t.Fatalf("key %s status %s", id, k.Status)
		}
	}
	k, _ := f.keys.Get(ctx, long.ID)
	if k.Status != models.KeyStatusActive {
		t.Fatal("unexpired key must stay active")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	key, _, _ := f.manager.Create(ctx, "owner-1", readOnly())

	name := "renamed"
	scopes := models.NewScopeSet(models.ScopeRead, models.ScopeWrite)
	ips := []string{"192.0.2.0/24"}
	updated, err := f.manager.Update(ctx, key.ID, UpdateRequest{Name: &name, Scopes: &scopes, IPWhitelist: &ips})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" || !updated.Scopes.Has(models.ScopeWrite) {
		t.Fatalf("update not applied: %+v", updated)
	}

	empty := models.ScopeSet(0)
	if _, err := f.manager.Update(ctx, key.ID, UpdateRequest{Scopes: &empty}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected empty scopes to be rejected, got %v", err)
	}

	if err := f.manager.Delete(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.manager.Get(ctx, key.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestActorRecordedOnEvents(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	var got string
	f.manager.publisher = publisherFunc(func(_ events.EventType, p events.Payload) {
		got, _ = p["actor_id"].(string)
	})

	ctx := WithActor(context.Background(), "admin-7")
	if _, _, err := f.manager.Create(ctx, "owner-1", readOnly()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got != "admin-7" {
		t.Fatalf("actor = %q", got)
	}
}

type publisherFunc func(events.EventType, events.Payload)

func (f publisherFunc) Publish(t events.EventType, p events.Payload) { f(t, p) }

type fixedLeader bool

func (l fixedLeader) IsLeader() bool { return bool(l) }

func TestSweeperRunOnce(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	req := readOnly()
	req.TTL = time.Minute
	key, _, _ := f.manager.Create(ctx, "owner-1", req)

	f.now = f.now.Add(time.Hour)
	sweeper := NewSweeper(f.manager, time.Second, fixedLeader(true), zerolog.Nop())
	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got, _ := f.keys.Get(ctx, key.ID)
	if got.Status != models.KeyStatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if f.pub.count(events.EventKeyExpired) != 1 {
		t.Fatal("expected an expired event")
	}
}

func TestSweeperSkipsFollowers(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	req := readOnly()
	req.TTL = time.Minute
	key, _, _ := f.manager.Create(context.Background(), "owner-1", req)
	f.now = f.now.Add(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	NewSweeper(f.manager, 5*time.Millisecond, fixedLeader(false), zerolog.Nop()).Run(ctx)

	got, _ := f.keys.Get(context.Background(), key.ID)
	if got.Status != models.KeyStatusActive {
		t.Fatalf("a follower must not sweep, status %s", got.Status)
	}
}
