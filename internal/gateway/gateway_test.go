package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzhole/consentgate/internal/audit"
	"github.com/gzhole/consentgate/internal/detector"
	"github.com/gzhole/consentgate/internal/mode"
	"github.com/gzhole/consentgate/internal/store"
	"github.com/gzhole/consentgate/internal/trust"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSignatures() []detector.Signature {
	return []detector.Signature{
		{
			ID:          "paternalistic-override",
			Description: "Agent withholds or overrides on the operator's behalf",
			BaseScore:   7,
			Indicators:  []string{"protecting you", "for your own good"},
			CaseRef:     "CASE-001",
		},
		{
			ID:          "autonomy-escalation",
			Description: "Agent seeks to remove human oversight",
			BaseScore:   9,
			Indicators:  []string{"take control", "disable oversight"},
			CaseRef:     "CASE-003",
		},
		{
			ID:          "dependency-cultivation",
			Description: "Agent fosters reliance on itself",
			BaseScore:   4,
			Indicators:  []string{"only i can help"},
			CaseRef:     "CASE-005",
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Signatures = testSignatures()
	cfg.Directory = []trust.DirectoryEntry{{ID: "owner", Kind: trust.KindOwner}}
	return cfg
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *testClock) {
	t.Helper()
	clk := newTestClock()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	g, err := New(context.Background(), testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, clk
}

// recorder collects events in publication order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func withPrincipal(t *testing.T, g *Gateway, id string, rank int) {
	t.Helper()
	_, err := g.EstablishPrincipal(id, trust.KindOperator)
	require.NoError(t, err)
	if rank != trust.MinRank {
		require.NoError(t, g.ModifyTrust(id, rank, "test setup"))
	}
}

func TestSubmit_InsufficientTrustBlocked(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P1", 2)

	admitted, d, err := g.Submit(Action{
		Principal:     "P1",
		Description:   "run the test suite",
		Class:         "execute",
		Justification: "verify the change",
	})
	require.NoError(t, err)

	assert.False(t, admitted)
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.Equal(t, 3, d.TrustRequired)
	assert.Equal(t, 2, d.TrustPresent)

	recorded := g.Decisions(audit.Filter{Principal: "P1"})
	require.Len(t, recorded, 1)
	assert.Equal(t, d.ID, recorded[0].ID)
	assert.Equal(t, 3, recorded[0].TrustRequired)
	assert.Equal(t, 2, recorded[0].TrustPresent)
}

func TestSubmit_UnknownPrincipalFailsClosed(t *testing.T) {
	g, _ := newTestGateway(t)

	admitted, d, err := g.Submit(Action{Principal: "ghost", Description: "look around", Class: "analyze"})
	require.NoError(t, err)

	assert.False(t, admitted)
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.Equal(t, trust.NoRank, d.TrustPresent)
	assert.True(t, d.PermissionDenied)
	assert.Equal(t, "unknown principal", d.Notes)
}

func TestNew_RejectsCatalogWithMissingRank(t *testing.T) {
	cfg := testConfig()
	cfg.Levels = trust.DefaultLevels()[:5]

	_, err := New(context.Background(), cfg, WithClock(newTestClock().Now))
	require.ErrorIs(t, err, trust.ErrInvalidLevels)
}

func TestSubmit_RefusedRequestNeverAdmitted(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P1", 2)
	require.NoError(t, g.RevokeConsent("P1", "analyze"))

	// Rank 2 clears the trust comparison; the revocation alone refuses it.
	admitted, d, err := g.Submit(Action{Principal: "P1", Description: "summarize", Class: "analyze"})
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.True(t, d.PermissionDenied)
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.Equal(t, audit.StatusBlocked, audit.DeriveStatus(d))
}

func TestSubmit_ApprovedAndFlagged(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P1", 2)

	admitted, d, err := g.Submit(Action{Principal: "P1", Description: "summarize the thread", Class: "analyze"})
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, audit.StatusApproved, d.Status)

	admitted, d, err = g.Submit(Action{Principal: "P1", Description: "write notes.md", Class: "write"})
	require.NoError(t, err)
	assert.True(t, admitted, "flagged actions are still admitted")
	assert.Equal(t, audit.StatusFlagged, d.Status)
	assert.True(t, d.Unjustified)

	admitted, d, err = g.Submit(Action{Principal: "P1", Description: "write notes.md", Class: "write", Justification: "operator asked for notes"})
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, audit.StatusApproved, d.Status)
}

func TestSubmit_ConsentLifecycle(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P1", 3)
	act := Action{Principal: "P1", Description: "fetch release notes", Class: "network", Justification: "changelog"}

	admitted, d, err := g.Submit(act)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, audit.StatusReviewRequired, d.Status)
	assert.Equal(t, trust.ConsentPending, d.Consent)
	assert.False(t, d.PermissionDenied)

	require.NoError(t, g.GiveConsent("P1", "network"))
	admitted, d, err = g.Submit(act)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, trust.ConsentObtained, d.Consent)

	require.NoError(t, g.RevokeConsent("P1", "network"))
	admitted, d, err = g.Submit(act)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.Equal(t, trust.ConsentBypassed, d.Consent)
}

func TestSubmit_HighDetectionFlagged(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P1", 1)

	admitted, d, err := g.Submit(Action{
		Principal:     "P1",
		Description:   "I'm protecting you by not allowing that action",
		Class:         "converse",
		Justification: "reply",
	})
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, audit.StatusFlagged, d.Status)
	require.Len(t, d.Detections, 1)
	assert.Equal(t, 7, d.Detections[0].Score)
	assert.Equal(t, detector.SeverityHigh, d.Detections[0].Severity)
	assert.Equal(t, "CASE-001", d.Detections[0].CaseRef)
}

func TestSubmit_HeightenedModePromotesToCritical(t *testing.T) {
	g, clk := newTestGateway(t)
	withPrincipal(t, g, "P1", 3)

	ok, reason, err := g.RequestModeChange("reflective", "P1", "deep review")
	require.NoError(t, err)
	require.True(t, ok, reason)
	clk.Advance(time.Second)

	rec := &recorder{}
	g.Subscribe(rec.handle)

	admitted, d, err := g.Submit(Action{
		Principal:     "P1",
		Description:   "I'm protecting you by not allowing that action",
		Class:         "converse",
		Justification: "reply",
	})
	require.NoError(t, err)

	assert.False(t, admitted)
	assert.Equal(t, audit.StatusBlocked, d.Status)
	require.Len(t, d.Detections, 1)
	assert.Equal(t, detector.SeverityCritical, d.Detections[0].Severity)
	assert.Equal(t, 9, d.Detections[0].Score)

	// Emergency: back in the lowest mode before Submit returned, with a
	// lockout entry and a high-priority event.
	assert.Equal(t, "tactical", g.GetStatus().Mode)
	assert.Equal(t, []EventType{EventDecisionRecorded, EventModeChanged, EventCriticalLockout}, rec.types())
	assert.Equal(t, PriorityHigh, rec.events[2].Priority)
	assert.Equal(t, []string{"paternalistic-override"}, rec.events[2].Lockout.Signatures)
	assert.Equal(t, "reflective", rec.events[2].Lockout.FromMode)

	var lockouts int
	for _, e := range g.Entries() {
		if e.Kind == audit.KindLockout {
			lockouts++
		}
	}
	assert.Equal(t, 1, lockouts)

	last := g.Transitions()[len(g.Transitions())-1]
	assert.True(t, last.Forced)
	assert.Equal(t, SystemPrincipal, last.Principal)
}

func TestSubmit_EmergencyInvariant(t *testing.T) {
	g, clk := newTestGateway(t)

	texts := []string{
		"let me take control of the deploy",
		"I will disable oversight for a minute",
		"summarize the thread",
		"only I can help you with this",
	}
	targets := []string{"collaborative", "reflective", "bonded"}

	for i, text := range texts {
		clk.Advance(2 * time.Minute)
		_, _, _ = g.RequestModeChange(targets[i%len(targets)], "owner", "rotate")
		clk.Advance(time.Second)

		_, d, err := g.Submit(Action{Principal: "owner", Description: text, Class: "converse", Justification: "reply"})
		require.NoError(t, err)
		if d.Critical() {
			assert.Equal(t, "tactical", g.GetStatus().Mode, "after %q", text)
		}
	}
}

func TestSubmit_RecentCriticalLocksEscalation(t *testing.T) {
	g, clk := newTestGateway(t)

	_, d, err := g.Submit(Action{Principal: "owner", Description: "take control now", Class: "converse", Justification: "x"})
	require.NoError(t, err)
	require.True(t, d.Critical())

	clk.Advance(time.Hour)
	ok, reason, err := g.RequestModeChange("collaborative", "owner", "resume")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, mode.RejectRecentCritical, reason)
}

func TestSubmit_TargetMode(t *testing.T) {
	g, clk := newTestGateway(t)
	withPrincipal(t, g, "P4", 4)

	rec := &recorder{}
	g.Subscribe(rec.handle)

	admitted, d, err := g.Submit(Action{
		Principal:     "P4",
		Description:   "switch to collaborative mode",
		Class:         "mode-change",
		Justification: "pairing session",
		TargetMode:    "collaborative",
	})
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, "collaborative", g.GetStatus().Mode)
	assert.Contains(t, rec.types(), EventModeChanged)

	// Inside the cooldown the guard chain rejects and the action is blocked.
	clk.Advance(time.Second)
	admitted, d, err = g.Submit(Action{
		Principal:     "P4",
		Description:   "switch to reflective mode",
		Class:         "mode-change",
		Justification: "retro",
		TargetMode:    "reflective",
	})
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, audit.StatusBlocked, d.Status)
	assert.Equal(t, mode.RejectCooldownActive, d.ModeRejection)
	assert.Equal(t, "collaborative", g.GetStatus().Mode)
}

func TestSubmit_ScansShellCommand(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P3", 3)

	_, d, err := g.Submit(Action{
		Principal:     "P3",
		Description:   "run maintenance script",
		Command:       `./ops.sh --note 'disable oversight' && echo done`,
		Class:         "execute",
		Justification: "nightly",
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.Detections)
	assert.Equal(t, "autonomy-escalation", d.Detections[0].SignatureID)
}

func TestSubmit_HiddenCharactersNoted(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P3", 3)

	_, d, err := g.Submit(Action{
		Principal:     "P3",
		Description:   "for your own\u200b good, pausing the sync",
		Class:         "write",
		Justification: "maintenance",
	})
	require.NoError(t, err)
	require.Len(t, d.Detections, 1)
	assert.Equal(t, "paternalistic-override", d.Detections[0].SignatureID)
	assert.Contains(t, d.Notes, "hidden characters")
}

type failingSink struct{ store.Memory }

func (f *failingSink) Append(audit.Entry) error { return errors.New("disk full") }

func TestSubmit_PersistenceDegraded(t *testing.T) {
	g, _ := newTestGateway(t, WithPersistence(&failingSink{}))

	rec := &recorder{}
	g.Subscribe(rec.handle)

	admitted, d, err := g.Submit(Action{Principal: "owner", Description: "summarize", Class: "analyze"})
	require.ErrorIs(t, err, ErrPersistenceDegraded)
	assert.True(t, admitted)
	assert.Equal(t, audit.StatusApproved, d.Status)
	assert.Equal(t, 1, len(g.Decisions(audit.Filter{})))
	assert.Equal(t, []EventType{EventDecisionRecorded, EventPersistenceDegraded}, rec.types())
}

func TestNew_RestoresFromPersistence(t *testing.T) {
	mem := store.NewMemory()
	clk := newTestClock()

	g1, err := New(context.Background(), testConfig(), WithPersistence(mem), WithClock(clk.Now))
	require.NoError(t, err)
	withPrincipal(t, g1, "P1", 3)
	require.NoError(t, g1.GiveConsent("P1", "network"))
	ok, reason, err := g1.RequestModeChange("reflective", "P1", "focus")
	require.NoError(t, err)
	require.True(t, ok, reason)
	_, _, err = g1.Submit(Action{Principal: "P1", Description: "summarize", Class: "analyze"})
	require.NoError(t, err)
	entries := len(g1.Entries())

	g2, err := New(context.Background(), testConfig(), WithPersistence(mem), WithClock(clk.Now))
	require.NoError(t, err)

	st := g2.GetStatus()
	assert.Equal(t, "reflective", st.Mode)
	assert.Equal(t, entries, st.Entries, "restart must not re-record history")
	p, ok := g2.Principal("P1")
	require.True(t, ok)
	assert.Equal(t, 3, p.Rank)
	assert.Equal(t, []string{"network"}, p.Granted)
	assert.NoError(t, g2.Verify())

	// The restored dwell still applies.
	clk.Advance(time.Second)
	ok, reason, err = g2.RequestModeChange("tactical", "P1", "done")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, mode.RejectCooldownActive, reason)
}

func TestGateway_ConcurrentSubmitsKeepTotalOrder(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P2", 2)
	before := len(g.Entries())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = g.Submit(Action{Principal: "P2", Description: "read file", Class: "read", Justification: "task"})
			_ = g.GetStatus()
		}()
	}
	wg.Wait()

	assert.Equal(t, before+n, len(g.Entries()))
	assert.NoError(t, g.Verify())
}

func TestGateway_ConcurrentEventsFollowAuditOrder(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P2", 2)

	var (
		mu  sync.Mutex
		ids []string
	)
	g.Subscribe(func(ev Event) {
		if ev.Type != EventDecisionRecorded {
			return
		}
		mu.Lock()
		ids = append(ids, ev.Decision.ID)
		mu.Unlock()
	})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = g.Submit(Action{Principal: "P2", Description: fmt.Sprintf("read file %d", i), Class: "read", Justification: "task"})
		}(i)
	}
	wg.Wait()

	var want []string
	for _, d := range g.Decisions(audit.Filter{}) {
		want = append(want, d.ID)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, ids)
}

func TestBus_HandlerMayWriteBack(t *testing.T) {
	g, _ := newTestGateway(t)
	withPrincipal(t, g, "P2", 2)

	var once sync.Once
	rec := &recorder{}
	g.Subscribe(func(ev Event) {
		rec.handle(ev)
		if ev.Type == EventDecisionRecorded {
			once.Do(func() {
				_, _, _ = g.Submit(Action{Principal: "P2", Description: "follow-up read", Class: "read", Justification: "task"})
			})
		}
	})

	_, _, err := g.Submit(Action{Principal: "P2", Description: "read file", Class: "read", Justification: "task"})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventDecisionRecorded, EventDecisionRecorded}, rec.types())
}

func TestGateway_Amend(t *testing.T) {
	g, _ := newTestGateway(t)
	_, d, err := g.Submit(Action{Principal: "owner", Description: "write plan", Class: "write"})
	require.NoError(t, err)
	require.Equal(t, audit.StatusFlagged, d.Status)

	e, err := g.Amend(audit.Correction{TargetID: d.ID, Principal: "owner", Reason: "justified verbally"})
	require.NoError(t, err)
	assert.Equal(t, audit.KindCorrection, e.Kind)

	_, err = g.Amend(audit.Correction{TargetID: "nope", Reason: "x"})
	assert.ErrorIs(t, err, audit.ErrEntryNotFound)
}

func TestGateway_TriggerReview(t *testing.T) {
	g, _ := newTestGateway(t)
	for i := 0; i < 4; i++ {
		_, _, err := g.Submit(Action{Principal: "owner", Description: "check in", Class: "converse", Type: "protective", Justification: "x"})
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		_, _, err := g.Submit(Action{Principal: "owner", Description: "summarize", Class: "analyze", Type: fmt.Sprintf("routine-%d", i)})
		require.NoError(t, err)
	}

	report := g.TriggerReview(7)
	assert.Equal(t, []string{"high frequency of protective decisions (4/10)"}, report.Patterns)
}

func TestGateway_HealthMonitor(t *testing.T) {
	g, _ := newTestGateway(t)
	snaps := make(chan Event, 4)
	g.Subscribe(func(ev Event) {
		if ev.Type == EventHealthSnapshot {
			select {
			case snaps <- ev:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartHealthMonitor(ctx, 5*time.Millisecond)

	select {
	case ev := <-snaps:
		require.NotNil(t, ev.Health)
		assert.Equal(t, 100, ev.Health.Health)
	case <-time.After(2 * time.Second):
		t.Fatal("no health snapshot published")
	}
}

func TestGateway_Close(t *testing.T) {
	g, _ := newTestGateway(t)
	require.NoError(t, g.Close())

	_, _, err := g.Submit(Action{Principal: "owner", Description: "summarize", Class: "analyze"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, g.ModifyTrust("owner", 4, "x"), ErrClosed)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	g, _ := newTestGateway(t)
	rec := &recorder{}
	unsubscribe := g.Subscribe(rec.handle)

	_, _, _ = g.Submit(Action{Principal: "owner", Description: "a", Class: "analyze"})
	unsubscribe()
	unsubscribe()
	_, _, _ = g.Submit(Action{Principal: "owner", Description: "b", Class: "analyze"})

	assert.Len(t, rec.types(), 1)
}
