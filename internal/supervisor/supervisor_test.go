package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/stream"
	"github.com/aigoflow/arena/internal/transcript"
	"github.com/aigoflow/arena/internal/transport"
)

type fakeConn struct {
	events []protocol.Event
	err    error
	block  bool

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Run(ctx context.Context, handle func(protocol.Event)) error {
	for _, ev := range c.events {
		handle(ev)
	}
	if c.block {
		<-ctx.Done()
		return nil
	}
	return c.err
}

func (c *fakeConn) Send(ctx context.Context, frame protocol.SocketFrame) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type dialStep struct {
	err  error
	conn *fakeConn
}

type fakeDialer struct {
	mu    sync.Mutex
	steps []dialStep
	// used once steps run out
	fallback dialStep
	creds    []auth.Credentials
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string, creds auth.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	step := d.fallback
	if len(d.steps) > 0 {
		step = d.steps[0]
		d.steps = d.steps[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

func (d *fakeDialer) calls() []auth.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]auth.Credentials(nil), d.creds...)
}

type fakeProvider struct {
	mu         sync.Mutex
	identity   string
	refreshes  int
	refreshErr error
}

func (p *fakeProvider) Credentials(ctx context.Context) (auth.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return auth.Credentials{Token: "tok", Identity: p.identity}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context) (auth.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErr != nil {
		return auth.Credentials{}, p.refreshErr
	}
	return auth.Credentials{Token: "fresh", Identity: p.identity}, nil
}

type notes struct {
	mu  sync.Mutex
	got []models.Notification
}

func (n *notes) Notify(note models.Notification) {
	n.mu.Lock()
	n.got = append(n.got, note)
	n.mu.Unlock()
}

func (n *notes) all() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.got...)
}

type harness struct {
	sup      *Supervisor
	dialer   *fakeDialer
	provider *fakeProvider
	notes    *notes

	mu        sync.Mutex
	delays    []time.Duration
	connected chan struct{}
}

func newHarness(t *testing.T, handle func(protocol.Event)) *harness {
	t.Helper()
	h := &harness{
		dialer:    &fakeDialer{fallback: dialStep{conn: &fakeConn{block: true}}},
		provider:  &fakeProvider{identity: "alice"},
		notes:     &notes{},
		connected: make(chan struct{}, 16),
	}
	if handle == nil {
		handle = func(protocol.Event) {}
	}
	h.sup = New("s1", h.dialer, h.provider, handle, h.notes, DefaultConfig(), nil)
	h.sup.after = func(d time.Duration) <-chan time.Time {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	h.sup.OnTransition(func(tr Transition) {
		if tr.To == StateConnected {
			h.connected <- struct{}{}
		}
	})
	return h
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-h.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

func (h *harness) start(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() { result <- h.sup.Run(ctx) }()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

func abnormal() error {
	return &transport.CloseError{Code: transport.CloseAbnormal, Reason: "network"}
}

func TestBackoffGrowth(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		got := Backoff(time.Second, 30*time.Second, attempt)
		if got != w*time.Second {
			t.Errorf("attempt %d: expected %v, got %v", attempt, w*time.Second, got)
		}
	}
	if Backoff(time.Second, 30*time.Second, 200) != 30*time.Second {
		t.Error("large attempts must stay capped")
	}
}

func TestTransientFailuresGiveUp(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fallback = dialStep{err: abnormal()}

	err := h.sup.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if h.sup.State() != StateGivenUp {
		t.Errorf("expected given_up, got %s", h.sup.State())
	}
	if n := len(h.dialer.calls()); n != 6 {
		t.Errorf("expected 1 dial plus 5 retries, got %d", n)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if len(h.delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), h.delays)
	}
	for i := range want {
		if h.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], h.delays[i])
		}
	}

	got := h.notes.all()
	if len(got) != 1 || got[0].Kind != models.NotifyConnectivityError {
		t.Errorf("expected one connectivity notification, got %+v", got)
	}
}

func TestAuthClosureRefreshesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.steps = []dialStep{{err: &transport.CloseError{Code: transport.CloseUnauthorized}}}

	ctx, cancel := context.WithCancel(context.Background())
	result := h.start(ctx)
	h.waitConnected(t)
	cancel()

	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected nil after cancel, got %v", err)
	}
	if h.provider.refreshes != 1 {
		t.Errorf("expected one refresh, got %d", h.provider.refreshes)
	}
	if len(h.delays) != 0 {
		t.Errorf("auth retry must not back off, got %v", h.delays)
	}
	if n := len(h.notes.all()); n != 0 {
		t.Errorf("recovered failures must not notify, got %d", n)
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", h.sup.State())
	}
}

func TestAuthRejectedAfterRefreshGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fallback = dialStep{err: &transport.CloseError{Code: transport.ClosePolicyViolation}}

	err := h.sup.Run(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if h.provider.refreshes != 1 {
		t.Errorf("expected exactly one refresh, got %d", h.provider.refreshes)
	}
	if n := len(h.dialer.calls()); n != 2 {
		t.Errorf("expected 2 dials, got %d", n)
	}
	got := h.notes.all()
	if len(got) != 1 || got[0].Kind != models.NotifyAuthError {
		t.Errorf("expected one auth notification, got %+v", got)
	}
}

func TestRefreshFailureGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.refreshErr = auth.ErrRefreshFailed
	h.dialer.fallback = dialStep{err: &transport.CloseError{Code: transport.CloseUnauthorized}}

	err := h.sup.Run(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if n := len(h.dialer.calls()); n != 1 {
		t.Errorf("expected no retry after failed refresh, got %d dials", n)
	}
	got := h.notes.all()
	if len(got) != 1 || got[0].Kind != models.NotifyAuthError {
		t.Errorf("expected one auth notification, got %+v", got)
	}
	if got[0].String() != "Your session has expired, please sign in again" {
		t.Errorf("unexpected notification text %q", got[0].String())
	}
}

func TestNormalClosureIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.steps = []dialStep{{conn: &fakeConn{err: &transport.CloseError{Code: transport.CloseNormal}}}}

	if err := h.sup.Run(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if n := len(h.dialer.calls()); n != 1 {
		t.Errorf("normal closure must not reconnect, got %d dials", n)
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", h.sup.State())
	}
}

func TestDisconnectWins(t *testing.T) {
	h := newHarness(t, nil)
	conn := &fakeConn{block: true}
	h.dialer.steps = []dialStep{{conn: conn}}

	result := h.start(context.Background())
	h.waitConnected(t)
	h.sup.Disconnect()

	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", h.sup.State())
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("expected the channel to be closed")
	}
	if n := len(h.dialer.calls()); n != 1 {
		t.Errorf("disconnect must not reconnect, got %d dials", n)
	}
	if n := len(h.notes.all()); n != 0 {
		t.Errorf("disconnect must not notify, got %d", n)
	}

	// A second disconnect is a no-op
	h.sup.Disconnect()
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	h := newHarness(t, nil)
	result := h.start(context.Background())
	h.waitConnected(t)

	if err := h.sup.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	h.sup.Disconnect()
	waitResult(t, result)
}

func TestIdentityChangeReconnectsOnce(t *testing.T) {
	h := newHarness(t, nil)
	result := h.start(context.Background())
	h.waitConnected(t)

	same := &fakeProvider{identity: "alice"}
	if rebound, err := h.sup.SetCredentials(context.Background(), same); err != nil || rebound {
		t.Fatalf("same identity must not reconnect (rebound=%v, err=%v)", rebound, err)
	}

	bob := &fakeProvider{identity: "bob"}
	rebound, err := h.sup.SetCredentials(context.Background(), bob)
	if err != nil || !rebound {
		t.Fatalf("expected a reconnect (rebound=%v, err=%v)", rebound, err)
	}
	h.waitConnected(t)

	calls := h.dialer.calls()
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 dials, got %d", len(calls))
	}
	if calls[0].Identity != "alice" || calls[1].Identity != "bob" {
		t.Errorf("unexpected identities %q then %q", calls[0].Identity, calls[1].Identity)
	}
	if len(h.delays) != 0 {
		t.Errorf("identity rebind must not back off, got %v", h.delays)
	}

	h.sup.Disconnect()
	waitResult(t, result)
}

func TestSuccessfulConnectResetsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.steps = []dialStep{
		{err: abnormal()},
		{conn: &fakeConn{err: abnormal()}},
		{err: abnormal()},
	}

	result := h.start(context.Background())
	h.waitConnected(t) // second dial
	h.waitConnected(t) // fallback after the third
	h.sup.Disconnect()
	waitResult(t, result)

	want := []time.Duration{time.Second, time.Second, 2 * time.Second}
	if len(h.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, h.delays)
	}
	for i := range want {
		if h.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], h.delays[i])
		}
	}
}

func TestReconnectKeepsOpenBuffer(t *testing.T) {
	store := transcript.NewStore(nil, nil)
	store.SetSession(models.Session{ID: "s1", Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "gpt"}})
	if err := store.AppendUserMessage("s1", models.Message{ID: "u1", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	var muxNotes notes
	mux := stream.New(store, &muxNotes, 0, nil)
	turn, err := mux.OpenTurn("s1", "u1", []stream.Assignment{{Participant: models.ParticipantA, MessageID: "m1"}}, nil)
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}

	h := newHarness(t, func(ev protocol.Event) { mux.ApplySession("s1", ev) })
	h.dialer.steps = []dialStep{
		{conn: &fakeConn{
			events: []protocol.Event{protocol.ChunkEvent{MessageID: "m1", Participant: models.ParticipantA, Text: "Hel"}},
			err:    abnormal(),
		}},
		{conn: &fakeConn{
			events: []protocol.Event{
				protocol.ChunkEvent{MessageID: "m1", Participant: models.ParticipantA, Text: "lo"},
				protocol.CompleteEvent{MessageID: "m1", Participant: models.ParticipantA, Reason: protocol.FinishStop},
			},
			block: true,
		}},
	}

	var mu sync.Mutex
	var openDuringReconnect []string
	h.sup.OnTransition(func(tr Transition) {
		if tr.To == StateReconnecting {
			mu.Lock()
			openDuringReconnect = store.OpenBuffers("s1")
			mu.Unlock()
		}
		if tr.To == StateConnected {
			h.connected <- struct{}{}
		}
	})

	result := h.start(context.Background())
	h.waitConnected(t)
	h.waitConnected(t)

	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn never resolved")
	}
	h.sup.Disconnect()
	waitResult(t, result)

	mu.Lock()
	if len(openDuringReconnect) != 1 || openDuringReconnect[0] != "m1" {
		t.Errorf("expected buffer m1 to stay open across the drop, got %v", openDuringReconnect)
	}
	mu.Unlock()

	view := store.SelectActiveView("s1")
	if len(view) != 2 || view[1].Content != "Hello" {
		t.Fatalf("unexpected view %+v", view)
	}
	if n := len(h.notes.all()) + len(muxNotes.all()); n != 0 {
		t.Errorf("recovered drop must not notify, got %d", n)
	}
}
