package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/auth"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
)

type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	pings       int
	closeCode   int
	closeReason string
	terminated  bool
	sendErr     error
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closeCode != 0 || f.terminated {
		return ErrConnClosed
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCode == 0 {
		f.closeCode, f.closeReason = code, reason
	}
	return nil
}

func (f *fakeTransport) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

// notifications returns delivered wire frames, skipping the welcome frame.
func (f *fakeTransport) notifications(t *testing.T) []notify.WireMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.WireMessage
	for _, b := range f.frames {
		if !strings.Contains(string(b), `"key"`) {
			continue
		}
		var m notify.WireMessage
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) closed() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// tokenVerifier accepts tokens of the form "id" or "id:chat".
var tokenVerifier = auth.VerifierFunc(func(_ context.Context, token string) (auth.Claims, error) {
	if token == "bad" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	id, chat, _ := strings.Cut(token, ":")
	return auth.Claims{Receiver: notify.ReceiverID(id), Telegram: chat}, nil
})

func admit(t *testing.T, r *Registry, token string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c, err := r.Authenticate(context.Background(), Handshake{Provided: true, Token: token}, ft)
	require.NoError(t, err)
	return c, ft
}

func TestAuthenticateAdmitsAndWelcomes(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := New(Config{}, tokenVerifier, withClock(func() time.Time { return fixed }))
	c, ft := admit(t, r, "7:5550001")

	assert.Equal(t, notify.ReceiverID("7"), c.Receiver())
	assert.Equal(t, "5550001", c.Telegram())
	assert.Equal(t, fixed, c.Admitted())
	assert.True(t, c.Alive())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, 1, r.Len())

	require.Len(t, ft.frames, 1)
	assert.JSONEq(t, `{"message":"connection established"}`, string(ft.frames[0]))
}

func TestAuthenticateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		hs         Handshake
		wantReason string
		wantText   string
	}{
		{"no handshake", Handshake{}, notify.ReasonNoHandshake, "URL not found"},
		{"empty token", Handshake{Provided: true}, notify.ReasonTokenMissing, "Token not found"},
		{"invalid token", Handshake{Provided: true, Token: "bad"}, notify.ReasonTokenInvalid, "Token not verified"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := eventbus.New()
			events, unsub := bus.Subscribe(4)
			defer unsub()

			r := New(Config{}, tokenVerifier, WithBus(bus))
			ft := &fakeTransport{}
			c, err := r.Authenticate(context.Background(), tc.hs, ft)
			require.Nil(t, c)

			var ae *notify.AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tc.wantReason, ae.Reason)

			code, text := ft.closed()
			assert.Equal(t, notify.ClosePolicyViolation, code)
			assert.Equal(t, tc.wantText, text)
			assert.Zero(t, r.Len())
			assert.Empty(t, ft.frames)

			e := <-events
			assert.Equal(t, eventbus.TopicConnRejected, e.Type)
		})
	}
}

func TestAuthenticateWithoutVerifierRejects(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	ft := &fakeTransport{}
	_, err := r.Authenticate(context.Background(), Handshake{Provided: true, Token: "1"}, ft)
	assert.ErrorIs(t, err, notify.ErrAuth)
	code, _ := ft.closed()
	assert.Equal(t, notify.ClosePolicyViolation, code)
}

func TestSendFansOutOncePerConnection(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	_, ft1 := admit(t, r, "1")
	_, ft2 := admit(t, r, "2")
	c3, ft3 := admit(t, r, "3")
	require.True(t, r.Remove(c3))

	rep := r.Send(notify.Immediate{
		Type:      "order.created",
		Item:      json.RawMessage(`{"id":9}`),
		Message:   "hello",
		Receivers: []notify.ReceiverID{"1", "2", "3", "1"},
	})

	assert.Equal(t, 2, rep.Matched)
	assert.Equal(t, 2, rep.Delivered)
	assert.Empty(t, rep.Failures)

	for _, ft := range []*fakeTransport{ft1, ft2} {
		got := ft.notifications(t)
		require.Len(t, got, 1)
		assert.Equal(t, "order.created", got[0].Key)
		assert.Equal(t, "hello", got[0].Message)
		assert.JSONEq(t, `{"id":9}`, string(got[0].Data))
	}
	assert.Empty(t, ft3.notifications(t))
}

func TestSendReachesEveryConnectionOfAReceiver(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	_, a := admit(t, r, "5")
	_, b := admit(t, r, "5")
	_, other := admit(t, r, "6")

	rep := r.Send(notify.Immediate{Type: "k", Receivers: []notify.ReceiverID{"5"}})
	assert.Equal(t, 2, rep.Delivered)
	assert.Len(t, a.notifications(t), 1)
	assert.Len(t, b.notifications(t), 1)
	assert.Empty(t, other.notifications(t))
	assert.Len(t, r.Conns("5"), 2)
	assert.Len(t, r.Conns(""), 3)
}

func TestSendWithoutReceiversDeliversToNobody(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	_, ft := admit(t, r, "1")

	assert.Equal(t, notify.FanoutReport{}, r.Send(notify.Immediate{Type: "k"}))
	assert.Equal(t, notify.FanoutReport{}, r.Send(notify.Immediate{Type: "k", Receivers: []notify.ReceiverID{}}))
	assert.Empty(t, ft.notifications(t))
}

func TestSendIsolatesFailures(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	_, ok := admit(t, r, "1")
	slow, slowT := admit(t, r, "1")
	gone, goneT := admit(t, r, "1")
	slowT.sendErr = ErrBufferFull
	goneT.sendErr = ErrConnClosed

	rep := r.Send(notify.Immediate{Type: "k", Receivers: []notify.ReceiverID{"1"}})
	assert.Equal(t, 3, rep.Matched)
	assert.Equal(t, 1, rep.Delivered)
	require.Len(t, rep.Failures, 2)
	for _, f := range rep.Failures {
		var de *notify.DeliveryError
		require.ErrorAs(t, f.Err, &de)
		assert.Contains(t, []string{slow.ID(), gone.ID()}, f.Target)
	}
	assert.Len(t, ok.notifications(t), 1)

	// closed transports are dropped, full buffers are kept
	assert.Equal(t, 2, r.Len())
	assert.False(t, gone.Alive())
	assert.True(t, slow.Alive())
}

func TestProbeEvictsAfterMissedCycle(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := eventbus.SubscribeTopic(bus, 8, eventbus.TopicConnEvicted)
	defer unsub()

	r := New(Config{}, tokenVerifier, WithBus(bus))
	silent, silentT := admit(t, r, "1")
	chatty, chattyT := admit(t, r, "2")

	assert.Zero(t, r.sweep())
	assert.False(t, silent.Alive())
	assert.Equal(t, 1, silentT.pings)
	assert.Equal(t, 1, chattyT.pings)

	chatty.MarkAlive()
	assert.Equal(t, 1, r.sweep())

	assert.True(t, silentT.terminated)
	assert.False(t, chattyT.terminated)
	assert.Equal(t, 2, chattyT.pings)
	assert.Equal(t, 1, r.Len())

	rep := r.Send(notify.Immediate{Type: "k", Receivers: []notify.ReceiverID{"1"}})
	assert.Zero(t, rep.Matched)
	assert.Empty(t, silentT.notifications(t))

	e := <-events
	assert.Equal(t, silent.ID(), e.Data.(eventbus.ConnEvent).ConnID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	c, _ := admit(t, r, "1")
	assert.True(t, r.Remove(c))
	assert.False(t, r.Remove(c))
	assert.False(t, r.Remove(nil))
	assert.Zero(t, r.Len())
}

func TestShutdownClosesEverything(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	_, a := admit(t, r, "1")
	_, b := admit(t, r, "2")

	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Zero(t, r.Len())
	for _, ft := range []*fakeTransport{a, b} {
		code, _ := ft.closed()
		assert.Equal(t, CloseGoingAway, code)
	}

	late := &fakeTransport{}
	_, err := r.Authenticate(context.Background(), Handshake{Provided: true, Token: "3"}, late)
	assert.ErrorIs(t, err, ErrClosed)
	code, _ := late.closed()
	assert.Equal(t, CloseGoingAway, code)
}

func TestShutdownRacingAuthenticateLeaksNothing(t *testing.T) {
	t.Parallel()

	r := New(Config{}, tokenVerifier)
	const n = 50
	transports := make([]*fakeTransport, n)
	var wg sync.WaitGroup
	for i := range transports {
		transports[i] = &fakeTransport{}
		wg.Add(1)
		go func(ft *fakeTransport) {
			defer wg.Done()
			_, err := r.Authenticate(context.Background(), Handshake{Provided: true, Token: "1"}, ft)
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(transports[i])
	}
	require.NoError(t, r.Shutdown(context.Background()))
	wg.Wait()

	assert.Zero(t, r.Len())
	for _, ft := range transports {
		code, _ := ft.closed()
		assert.NotZero(t, code, "transport left open")
	}
}
