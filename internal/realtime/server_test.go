package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonlink/presenter-sync/internal/sessions"
	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer(sessions.NewRegistry(nil), Config{}, nil, opts...)
	r := gin.New()
	r.GET("/ws", srv.ServeWs)
	r.GET("/ws/:code", srv.ServeWs)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// expect reads until a message of msgType arrives, skipping anything else.
func expect(t *testing.T, conn *websocket.Conn, msgType string, into interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type != msgType {
			continue
		}
		if into != nil {
			require.NoError(t, msg.Decode(into))
		}
		return
	}
}

// roundTrip waits until everything sent before it on conn has been processed.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, protocol.TypePing, struct{}{})
	expect(t, conn, protocol.TypePong, nil)
}

func TestServer_PresenterControllerFlow(t *testing.T) {
	srv, base := newTestServer(t)
	reg := srv.Registry()

	presenter := dial(t, base+"/ws/ABC123")
	send(t, presenter, protocol.TypeRegisterPresenter, protocol.RegisterPresenter{TotalSlides: intPtr(10)})
	var state protocol.SessionState
	expect(t, presenter, protocol.TypeSessionState, &state)
	assert.Equal(t, 10, state.TotalSlides)
	assert.Equal(t, 0, state.CurrentSlide)

	controller := dial(t, base+"/ws/ABC123")
	send(t, controller, protocol.TypeRegisterController, struct{}{})
	var upd protocol.SlideUpdate
	expect(t, controller, protocol.TypeSlideUpdate, &upd)
	assert.Equal(t, protocol.SlideUpdate{Current: 0, Total: 10}, upd)
	var count protocol.ControllerCount
	expect(t, presenter, protocol.TypeControllerCount, &count)
	assert.Equal(t, 1, count.Count)

	send(t, presenter, protocol.TypeSlideChange, protocol.SlideChange{Current: 3, Total: 10})
	expect(t, controller, protocol.TypeSlideUpdate, &upd)
	assert.Equal(t, protocol.SlideUpdate{Current: 3, Total: 10}, upd)

	send(t, controller, protocol.TypeCommand, protocol.Command{Command: "next", CommandID: "client-side"})
	var cmd protocol.RemoteCommand
	expect(t, presenter, protocol.TypeRemoteCommand, &cmd)
	assert.Equal(t, "next", cmd.Command)
	queued, _ := reg.CommandsSince("ABC123", 0)
	require.Len(t, queued, 1)
	assert.Equal(t, queued[0].ID, cmd.CommandID)

	require.NoError(t, controller.Close())
	expect(t, presenter, protocol.TypeControllerCount, &count)
	assert.Equal(t, 0, count.Count)
}

func TestServer_CommandQueuedWithoutPresenter(t *testing.T) {
	srv, base := newTestServer(t)

	controller := dial(t, base+"/ws/S1")
	send(t, controller, protocol.TypeRegisterController, struct{}{})
	expect(t, controller, protocol.TypeSlideUpdate, nil)
	send(t, controller, protocol.TypeCommand, protocol.Command{Command: "prev"})
	roundTrip(t, controller)

	queued, _ := srv.Registry().CommandsSince("S1", 0)
	require.Len(t, queued, 1)
	assert.Equal(t, "prev", queued[0].Command)
}

func TestServer_NewPresenterReplacesOld(t *testing.T) {
	srv, base := newTestServer(t)

	first := dial(t, base+"/ws/S1")
	send(t, first, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, first, protocol.TypeSessionState, nil)

	second := dial(t, base+"/ws/S1")
	send(t, second, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, second, protocol.TypeSessionState, nil)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
	}
	assert.True(t, srv.Registry().HasPresenter("S1"))

	controller := dial(t, base+"/ws/S1")
	send(t, controller, protocol.TypeRegisterController, struct{}{})
	send(t, controller, protocol.TypeCommand, protocol.Command{Command: "next"})
	expect(t, second, protocol.TypeRemoteCommand, nil)
}

func TestServer_LegacyJoinSession(t *testing.T) {
	srv, base := newTestServer(t)

	presenter := dial(t, base+"/ws")
	send(t, presenter, protocol.TypeJoinSession, protocol.JoinSession{SessionCode: "LEGACY", IsPresenter: true})
	expect(t, presenter, protocol.TypeSessionState, nil)

	controller := dial(t, base+"/ws")
	send(t, controller, protocol.TypeJoinSession, protocol.JoinSession{SessionCode: "LEGACY"})
	var state protocol.SessionState
	expect(t, controller, protocol.TypeSessionState, &state)
	assert.Equal(t, 1, state.ConnectedDevices)

	assert.True(t, srv.Registry().HasPresenter("LEGACY"))
	assert.Equal(t, 1, srv.Registry().DeviceCount("LEGACY"))
}

func TestServer_DropsInvalidMessagesAndStaysOpen(t *testing.T) {
	srv, base := newTestServer(t)
	reg := srv.Registry()

	conn := dial(t, base+"/ws/S1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, conn, "teleport", struct{}{})
	// Not registered yet, so this must not touch the registry.
	send(t, conn, protocol.TypeSlideChange, protocol.SlideChange{Current: 4, Total: 9})
	roundTrip(t, conn)
	assert.False(t, reg.HasSession("S1"))

	send(t, conn, protocol.TypeRegisterController, struct{}{})
	send(t, conn, protocol.TypeSlideChange, protocol.SlideChange{Current: 4, Total: 9})
	send(t, conn, protocol.TypeRegisterPresenter, struct{}{})
	roundTrip(t, conn)

	snap, ok := reg.Snapshot("S1")
	require.True(t, ok)
	assert.Equal(t, 0, snap.CurrentSlide, "controllers cannot move slides")
	assert.False(t, reg.HasPresenter("S1"), "a connection registers once")
}

func TestServer_LessonUpdateReachesOtherPeers(t *testing.T) {
	srv, base := newTestServer(t)

	presenter := dial(t, base+"/ws/S1")
	send(t, presenter, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, presenter, protocol.TypeSessionState, nil)
	sender := dial(t, base+"/ws/S1")
	send(t, sender, protocol.TypeRegisterController, struct{}{})
	expect(t, sender, protocol.TypeSlideUpdate, nil)
	other := dial(t, base+"/ws/S1")
	send(t, other, protocol.TypeRegisterController, struct{}{})
	expect(t, other, protocol.TypeSlideUpdate, nil)

	start := "10:00"
	send(t, sender, protocol.TypeLessonUpdate, protocol.LessonUpdate{
		Slides:            "# Week 3",
		TotalSlides:       12,
		WorkshopData:      json.RawMessage(`{"room":"B2"}`),
		WorkshopStartTime: &start,
	})

	var got protocol.LessonUpdate
	expect(t, presenter, protocol.TypeLessonUpdate, &got)
	assert.Equal(t, "# Week 3", got.Slides)
	expect(t, other, protocol.TypeLessonUpdate, &got)
	assert.Equal(t, 12, got.TotalSlides)

	snap, _ := srv.Registry().Snapshot("S1")
	require.NotNil(t, snap.Slides)
	assert.Equal(t, "# Week 3", *snap.Slides)
	assert.JSONEq(t, `{"room":"B2"}`, string(snap.WorkshopData))
	require.NotNil(t, snap.WorkshopStartTime)
	assert.Equal(t, "10:00", *snap.WorkshopStartTime)
}

func TestServer_ControllerReceivesExistingLesson(t *testing.T) {
	srv, base := newTestServer(t)
	srv.Registry().UpdateSlides("S1", "deck", intPtr(4))

	controller := dial(t, base+"/ws/S1")
	send(t, controller, protocol.TypeRegisterController, struct{}{})
	var got protocol.LessonUpdate
	expect(t, controller, protocol.TypeLessonUpdate, &got)
	assert.Equal(t, "deck", got.Slides)
	assert.Equal(t, 4, got.TotalSlides)
}

func TestServer_PresenterAuth(t *testing.T) {
	srv, base := newTestServer(t, WithPresenterAuth(func(token, code string) error {
		if token != "secret-"+code {
			return errors.New("denied")
		}
		return nil
	}))

	rejected := dial(t, base+"/ws/S1")
	send(t, rejected, protocol.TypeRegisterPresenter, struct{}{})
	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := rejected.ReadMessage()
	require.Error(t, err)
	assert.False(t, srv.Registry().HasPresenter("S1"))

	accepted := dial(t, base+"/ws/S1?token=secret-S1")
	send(t, accepted, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, accepted, protocol.TypeSessionState, nil)
	assert.True(t, srv.Registry().HasPresenter("S1"))
}

func TestServer_SessionRemovedWhenLastConnectionLeaves(t *testing.T) {
	srv, base := newTestServer(t)

	conn := dial(t, base+"/ws/S1")
	send(t, conn, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, conn, protocol.TypeSessionState, nil)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return !srv.Registry().HasSession("S1") }, 2*time.Second, 10*time.Millisecond)
}

type memBus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]memSub
}

type memSub struct {
	origin  string
	handler func(string, json.RawMessage)
}

type memBridge struct {
	bus    *memBus
	origin string
}

func newMemBus() *memBus { return &memBus{subs: make(map[string]map[int]memSub)} }

func (b *memBridge) Publish(_ context.Context, code, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.bus.mu.Lock()
	var targets []memSub
	for _, s := range b.bus.subs[code] {
		if s.origin != b.origin {
			targets = append(targets, s)
		}
	}
	b.bus.mu.Unlock()
	for _, s := range targets {
		s.handler(msgType, data)
	}
	return nil
}

func (b *memBridge) Subscribe(code string, handler func(string, json.RawMessage)) (func(), error) {
	b.bus.mu.Lock()
	defer b.bus.mu.Unlock()
	if b.bus.subs[code] == nil {
		b.bus.subs[code] = make(map[int]memSub)
	}
	id := b.bus.next
	b.bus.next++
	b.bus.subs[code][id] = memSub{origin: b.origin, handler: handler}
	return func() {
		b.bus.mu.Lock()
		defer b.bus.mu.Unlock()
		delete(b.bus.subs[code], id)
	}, nil
}

func TestServer_FanOutAcrossInstances(t *testing.T) {
	bus := newMemBus()
	_, baseA := newTestServer(t, WithBridge(&memBridge{bus: bus, origin: "a"}))
	srvB, baseB := newTestServer(t, WithBridge(&memBridge{bus: bus, origin: "b"}))

	presenter := dial(t, baseA+"/ws/ROOM")
	send(t, presenter, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, presenter, protocol.TypeSessionState, nil)

	controller := dial(t, baseB+"/ws/ROOM")
	send(t, controller, protocol.TypeRegisterController, struct{}{})
	expect(t, controller, protocol.TypeSlideUpdate, nil)

	send(t, presenter, protocol.TypeSlideChange, protocol.SlideChange{Current: 2, Total: 6})
	var upd protocol.SlideUpdate
	expect(t, controller, protocol.TypeSlideUpdate, &upd)
	assert.Equal(t, protocol.SlideUpdate{Current: 2, Total: 6}, upd)
	snap, _ := srvB.Registry().Snapshot("ROOM")
	assert.Equal(t, 2, snap.CurrentSlide)

	send(t, controller, protocol.TypeCommand, protocol.Command{Command: "next"})
	var cmd protocol.RemoteCommand
	expect(t, presenter, protocol.TypeRemoteCommand, &cmd)
	assert.Equal(t, "next", cmd.Command)

	// Both instances queue the command under the id it got where it was sent.
	queued, _ := srvB.Registry().CommandsSince("ROOM", 0)
	require.Len(t, queued, 1)
	assert.Equal(t, queued[0].ID, cmd.CommandID)
}

// flakyBridge fails the first failures Subscribe calls and delegates the rest.
type flakyBridge struct {
	*memBridge
	mu       sync.Mutex
	failures int
}

func (b *flakyBridge) Subscribe(code string, handler func(string, json.RawMessage)) (func(), error) {
	b.mu.Lock()
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return nil, errors.New("redis unavailable")
	}
	return b.memBridge.Subscribe(code, handler)
}

func TestServer_FailedSubscribeDoesNotDropLaterSubscription(t *testing.T) {
	bus := newMemBus()
	_, baseA := newTestServer(t, WithBridge(&memBridge{bus: bus, origin: "a"}))
	srvB, baseB := newTestServer(t, WithBridge(&flakyBridge{memBridge: &memBridge{bus: bus, origin: "b"}, failures: 1}))

	presenter := dial(t, baseA+"/ws/ROOM")
	send(t, presenter, protocol.TypeRegisterPresenter, struct{}{})
	expect(t, presenter, protocol.TypeSessionState, nil)

	first := dial(t, baseB+"/ws/ROOM")
	send(t, first, protocol.TypeRegisterController, struct{}{})
	expect(t, first, protocol.TypeSlideUpdate, nil)

	second := dial(t, baseB+"/ws/ROOM")
	send(t, second, protocol.TypeRegisterController, struct{}{})
	expect(t, second, protocol.TypeSlideUpdate, nil)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srvB.Registry().DeviceCount("ROOM") == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, presenter, protocol.TypeSlideChange, protocol.SlideChange{Current: 4, Total: 9})
	var upd protocol.SlideUpdate
	expect(t, second, protocol.TypeSlideUpdate, &upd)
	assert.Equal(t, protocol.SlideUpdate{Current: 4, Total: 9}, upd)
}

// slowBridge blocks Subscribe for one session code until release is closed.
type slowBridge struct {
	*memBridge
	slowCode string
	release  chan struct{}
}

func (b *slowBridge) Subscribe(code string, handler func(string, json.RawMessage)) (func(), error) {
	if code == b.slowCode {
		<-b.release
	}
	return b.memBridge.Subscribe(code, handler)
}

func TestServer_SlowSubscribeDoesNotBlockOtherSessions(t *testing.T) {
	bridge := &slowBridge{memBridge: &memBridge{bus: newMemBus(), origin: "a"}, slowCode: "SLOW", release: make(chan struct{})}
	srv, base := newTestServer(t, WithBridge(bridge))

	slow := dial(t, base+"/ws/SLOW")
	send(t, slow, protocol.TypeRegisterPresenter, struct{}{})
	// Registered and now waiting on the subscription.
	require.Eventually(t, func() bool { return srv.Registry().HasPresenter("SLOW") }, 2*time.Second, 10*time.Millisecond)

	fast := dial(t, base+"/ws/FAST")
	send(t, fast, protocol.TypeRegisterController, struct{}{})
	expect(t, fast, protocol.TypeSlideUpdate, nil)

	close(bridge.release)
	expect(t, slow, protocol.TypeSessionState, nil)
}

func TestOriginChecker(t *testing.T) {
	allowAll := originChecker(nil)
	restricted := originChecker([]string{"https://class.example.org"})

	req := httptest.NewRequest("GET", "/ws/S1", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.True(t, allowAll(req))
	assert.False(t, restricted(req))

	req.Header.Set("Origin", "https://class.example.org")
	assert.True(t, restricted(req))
}

func intPtr(v int) *int { return &v }
