package anomaly

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/events"
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

type patchRecorder struct {
	store.CredentialStore
	mu      sync.Mutex
	patches []store.Patch
}

func (r *patchRecorder) Update(_ context.Context, _ string, p store.Patch) error {
	r.mu.Lock()
	r.patches = append(r.patches, p)
	r.mu.Unlock()
	return nil
}

func (r *patchRecorder) last() store.Patch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.patches[len(r.patches)-1]
}

func newTestDetector() (*Detector, *recordingPublisher, *patchRecorder) {
	pub := &recordingPublisher{}
	keys := &patchRecorder{}
	d := NewDetector(store.NewMemoryCounterStore(), keys, pub, DefaultConfig(), zerolog.Nop())
	return d, pub, keys
}

func TestAuthFailuresCrossThresholdOnce(t *testing.T) {
	d, pub, _ := newTestDetector()
	ctx := context.Background()

	var alerts int
	for i := 1; i <= 8; i++ {
		a, err := d.RecordOutcome(ctx, "k1", OutcomeAuthFailure)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if a.SuspicionScore != int64(i*10) {
			t.Fatalf("score after %d failures = %d", i, a.SuspicionScore)
		}
		if a.Alerted {
			alerts++
			if i != 5 {
				t.Fatalf("alert raised on failure %d, want 5", i)
			}
		}
	}
	if alerts != 1 || pub.count(events.EventSecuritySuspicious) != 1 {
		t.Fatalf("expected exactly one suspicious event, got %d alerts and %d events", alerts, pub.count(events.EventSecuritySuspicious))
	}
	if pub.count(events.EventSecurityRepeatedFailures) != 1 {
		t.Fatal("expected one repeated failures event")
	}
}

func TestConcurrentFailuresAlertOnce(t *testing.T) {
	d, pub, _ := newTestDetector()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.RecordOutcome(ctx, "k1", OutcomeAuthFailure)
		}()
	}
	wg.Wait()

	score, _ := d.Score(ctx, "k1")
	if score != 200 {
		t.Fatalf("expected no lost increments, score = %d", score)
	}
	if n := pub.count(events.EventSecuritySuspicious); n != 1 {
		t.Fatalf("expected a single alert, got %d", n)
	}
}

func TestRepeatedDenialsScoreAfterFirst(t *testing.T) {
	d, _, _ := newTestDetector()
	ctx := context.Background()

	a, _ := d.RecordOutcome(ctx, "k1", OutcomeAccessDenied)
	if a.SuspicionScore != 0 {
		t.Fatalf("first denial should not score, got %d", a.SuspicionScore)
	}
	a, _ = d.RecordOutcome(ctx, "k1", OutcomeAccessDenied)
	if a.SuspicionScore != 2 {
		t.Fatalf("repeated denial should score 2, got %d", a.SuspicionScore)
	}
	a, _ = d.RecordOutcome(ctx, "k1", OutcomeRateLimited)
	if a.SuspicionScore != 2 {
		t.Fatalf("first rate limit should not score, got %d", a.SuspicionScore)
	}
	if a.FailureCount != 3 {
		t.Fatalf("failure streak = %d, want 3", a.FailureCount)
	}
}

func TestSuccessResetsStreakButNotScore(t *testing.T) {
	d, _, keys := newTestDetector()
	ctx := context.Background()

	_, _ = d.RecordOutcome(ctx, "k1", OutcomeAuthFailure)
	_, _ = d.RecordOutcome(ctx, "k1", OutcomeAuthFailure)

	if _, err := d.RecordOutcome(ctx, "k1", OutcomeSuccess); err != nil {
		t.Fatalf("record success: %v", err)
	}
	p := keys.last()
	if p.FailureCount == nil || *p.FailureCount != 0 || p.SuspicionScore != nil {
		t.Fatalf("expected success to mirror only the streak reset, got %+v", p)
	}

	a, _ := d.RecordOutcome(ctx, "k1", OutcomeAuthFailure)
	if a.FailureCount != 1 || a.SuspicionScore != 30 {
		t.Fatalf("unexpected state after reset: %+v", a)
	}
}

func TestDetectorNeverRevokes(t *testing.T) {
	d, _, keys := newTestDetector()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = d.RecordOutcome(ctx, "k1", OutcomeAuthFailure)
	}
	for _, p := range keys.patches {
		if p.Status != nil && *p.Status == models.KeyStatusRevoked {
			t.Fatal("detector must not change key status")
		}
	}
}

func TestRecordUnattributedAlertsAtThreshold(t *testing.T) {
	d, pub, _ := newTestDetector()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if err := d.RecordUnattributed(ctx, "198.51.100.9"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if n := pub.count(events.EventSecurityUnattributedFails); n != 1 {
		t.Fatalf("expected one unattributed alert, got %d", n)
	}
}
