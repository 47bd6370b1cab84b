// Package syncclient keeps a presenter or controller device attached to a live session. It prefers the
// realtime socket, reconnects with exponential backoff and falls back to HTTP polling when the socket is
// unavailable.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Transport is the channel currently carrying session traffic.
type Transport string

const (
	TransportNone     Transport = ""
	TransportRealtime Transport = "realtime"
	TransportPolling  Transport = "polling"
)

// Status strings reported alongside the state.
const (
	StatusConnected       = "connected"
	StatusConnecting      = "connecting"
	StatusReconnecting    = "reconnecting"
	StatusFallback        = "using fallback"
	StatusSessionNotFound = "session not found"
	StatusDisconnected    = "disconnected"
)

// ErrWrongRole is returned for operations the configured role cannot perform.
var ErrWrongRole = errors.New("operation not available for this role")

const (
	seenCommandsCap = 64
	releaseTimeout  = 5 * time.Second
)

// Manager owns the connection of one device to one session.
type Manager struct {
	cfg    Config
	api    *api
	wsURL  string
	logger *zap.Logger
	outbox *outbox

	// writeMu serializes socket writes.
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	status    string
	transport Transport
	conn      *websocket.Conn
	gen       uint64 // bumped on every attach, Connect and Disconnect; stale goroutines compare against it
	closed    bool
	retry     backoff.BackOff
	timer     *time.Timer
	heartbeat chan struct{}
	stopPoll  context.CancelFunc
	announced bool
	watermark int64
	seen      map[string]struct{}
	seenOrder []string
	slides    *string
	total     *int
}

// New validates cfg and returns a disconnected manager.
func New(cfg Config) (*Manager, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	wsURL, err := socketURL(base, cfg.SessionCode, cfg.Token)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		api:    newAPI(cfg.HTTPClient, base, cfg.SessionCode, cfg.Token),
		wsURL:  wsURL,
		logger: cfg.Logger.With(zap.String("session_code", cfg.SessionCode)),
		outbox: newOutbox(cfg.QueueMaxAge, cfg.Now),
		state:  StateDisconnected,
		status: StatusDisconnected,
		seen:   make(map[string]struct{}),
		slides: cfg.Slides,
		total:  cfg.TotalSlides,
	}, nil
}

func socketURL(base *url.URL, code, token string) (string, error) {
	u := *base
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	u.Path = singleSlashJoin(u.Path, "/ws/"+code)
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the human readable status.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transport returns the transport in use.
func (m *Manager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// Connect opens the realtime socket. If it cannot be opened the manager switches to HTTP polling and
// Connect still returns nil; only a cancelled ctx is reported.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || (m.state == StateConnected && m.transport == TransportRealtime) {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.gen++
	gen := m.gen
	m.stopTimerLocked()
	m.retry = nil
	notify := m.setLocked(StateConnecting, StatusConnecting, m.transport)
	m.mu.Unlock()
	notify()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return ctx.Err()
		}
		if ctx.Err() != nil {
			notify = m.setLocked(StateDisconnected, StatusDisconnected, TransportNone)
			m.mu.Unlock()
			notify()
			return ctx.Err()
		}
		m.logger.Warn("realtime connect failed, falling back to polling", zap.Error(err))
		notify = m.fallbackLocked()
		m.mu.Unlock()
		notify()
		return nil
	}
	m.attach(conn, gen)
	return nil
}

// Disconnect closes the socket, stops timers and polling and discards queued messages. A device that
// announced itself over HTTP is released in the background.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.gen++
	conn := m.conn
	m.conn = nil
	m.stopTimerLocked()
	m.retry = nil
	m.stopHeartbeatLocked()
	m.stopPollingLocked()
	release := m.announced
	m.announced = false
	notify := m.setLocked(StateDisconnected, StatusDisconnected, TransportNone)
	m.mu.Unlock()

	m.outbox.clear()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if release {
		go m.releaseDevice()
	}
	notify()
}

// SendCommand sends a controller command to the presenter.
func (m *Manager) SendCommand(ctx context.Context, command string) error {
	if m.cfg.Presenter {
		return ErrWrongRole
	}
	if command == "" {
		return errors.New("command is required")
	}
	return m.sendPayload(ctx, protocol.TypeCommand, protocol.Command{Command: command, CommandID: ulid.Make().String()})
}

// SendSlideChange publishes the presenter's position.
func (m *Manager) SendSlideChange(ctx context.Context, current, total int) error {
	if !m.cfg.Presenter {
		return ErrWrongRole
	}
	return m.sendPayload(ctx, protocol.TypeSlideChange, protocol.SlideChange{Current: current, Total: total})
}

// InitPresenter seeds the session with lesson content. The content is also announced on later
// registrations.
func (m *Manager) InitPresenter(ctx context.Context, slides string, total int) error {
	if !m.cfg.Presenter {
		return ErrWrongRole
	}
	m.mu.Lock()
	m.slides, m.total = &slides, &total
	m.mu.Unlock()
	return m.sendPayload(ctx, protocol.TypeInitPresenter, protocol.InitPresenter{Slides: slides, TotalSlides: total})
}

// ConnectDevice announces a controller device, optionally pushing lesson content.
func (m *Manager) ConnectDevice(ctx context.Context, slides *string, total *int) error {
	if m.cfg.Presenter {
		return ErrWrongRole
	}
	return m.sendPayload(ctx, protocol.TypeConnectDevice, protocol.ConnectDevice{Slides: slides, TotalSlides: total})
}

// SendLessonUpdate replaces the lesson content over HTTP regardless of transport.
func (m *Manager) SendLessonUpdate(ctx context.Context, upd protocol.LessonUpdate) error {
	_, err := m.api.Update(ctx, protocol.UpdateRequest{
		Type:              protocol.TypeUpdateSlides,
		Slides:            &upd.Slides,
		TotalSlides:       &upd.TotalSlides,
		WorkshopData:      upd.WorkshopData,
		WorkshopStartTime: upd.WorkshopStartTime,
		WorkshopEndTime:   upd.WorkshopEndTime,
	})
	return err
}

func (m *Manager) sendPayload(ctx context.Context, msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return m.send(ctx, msg)
}

// send prefers the socket, then HTTP. While reconnecting a failed HTTP call queues msg for replay.
func (m *Manager) send(ctx context.Context, msg protocol.Message) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if conn != nil {
		err := m.write(conn, msg)
		if err == nil {
			return nil
		}
		m.logger.Debug("realtime send failed, trying http", zap.String("type", msg.Type), zap.Error(err))
	}
	err := m.sendHTTP(ctx, msg)
	if err != nil && state == StateReconnecting {
		m.logger.Debug("queued for replay", zap.String("type", msg.Type), zap.Error(err))
		m.outbox.push(msg)
		return nil
	}
	return err
}

func (m *Manager) sendHTTP(ctx context.Context, msg protocol.Message) error {
	var req protocol.UpdateRequest
	switch msg.Type {
	case protocol.TypeCommand:
		var p protocol.Command
		if err := msg.Decode(&p); err != nil {
			return err
		}
		_, err := m.api.PostCommand(ctx, p.Command)
		return err
	case protocol.TypeSlideChange:
		var p protocol.SlideChange
		if err := msg.Decode(&p); err != nil {
			return err
		}
		req = protocol.UpdateRequest{Type: msg.Type, Current: &p.Current, Total: &p.Total}
	case protocol.TypeInitPresenter:
		var p protocol.InitPresenter
		if err := msg.Decode(&p); err != nil {
			return err
		}
		req = protocol.UpdateRequest{Type: msg.Type, Slides: &p.Slides, TotalSlides: &p.TotalSlides}
	case protocol.TypeConnectDevice:
		var p protocol.ConnectDevice
		if err := msg.Decode(&p); err != nil {
			return err
		}
		m.mu.Lock()
		counted := m.announced
		m.mu.Unlock()
		if counted {
			// Already counted over HTTP; only the content is news.
			if p.Slides == nil {
				return nil
			}
			req = protocol.UpdateRequest{Type: protocol.TypeUpdateSlides, Slides: p.Slides, TotalSlides: p.TotalSlides}
			break
		}
		if _, err := m.api.Update(ctx, protocol.UpdateRequest{Type: msg.Type, Slides: p.Slides, TotalSlides: p.TotalSlides}); err != nil {
			return err
		}
		m.mu.Lock()
		m.announced = true
		m.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("no http fallback for %s", msg.Type)
	}
	_, err := m.api.Update(ctx, req)
	return err
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// attach makes conn the live transport, registers the role and replays queued messages. gen is the
// generation the dial was started under; a newer one means the result is stale.
func (m *Manager) attach(conn *websocket.Conn, gen uint64) {
	// Hold writeMu until registration is on the wire so no send can overtake it.
	m.writeMu.Lock()
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		m.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	m.gen++
	gen = m.gen
	m.conn = conn
	m.retry = nil
	m.stopPollingLocked()
	hb := make(chan struct{})
	m.heartbeat = hb
	release := m.announced
	m.announced = false
	registration := m.registrationLocked()
	notify := m.setLocked(StateConnected, StatusConnected, TransportRealtime)
	m.mu.Unlock()

	err := m.writeLocked(conn, registration)
	if err == nil {
		for _, msg := range m.outbox.drain() {
			if err = m.writeLocked(conn, msg); err != nil {
				break
			}
		}
	}
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("write after connect failed", zap.Error(err))
	}

	go m.readLoop(conn, gen)
	go m.heartbeatLoop(conn, hb)
	if release {
		go m.releaseDevice()
	}
	m.logger.Info("realtime connected", zap.Bool("presenter", m.cfg.Presenter))
	notify()
}

func (m *Manager) registrationLocked() protocol.Message {
	var msg protocol.Message
	if m.cfg.Presenter {
		msg, _ = protocol.NewMessage(protocol.TypeRegisterPresenter, protocol.RegisterPresenter{TotalSlides: m.total, Slides: m.slides})
	} else {
		msg, _ = protocol.NewMessage(protocol.TypeRegisterController, struct{}{})
	}
	return msg
}

func (m *Manager) write(conn *websocket.Conn, msg protocol.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeLocked(conn, msg)
}

func (m *Manager) writeLocked(conn *websocket.Conn, msg protocol.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (m *Manager) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ping, _ := protocol.NewMessage(protocol.TypePing, struct{}{})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write(conn, ping); err != nil {
				return
			}
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		// The server answers every heartbeat, so two missed intervals means the link is gone.
		_ = conn.SetReadDeadline(time.Now().Add(2 * m.cfg.HeartbeatInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Debug("malformed message", zap.Error(err))
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSlideUpdate:
		deliver(m, msg, m.cfg.OnSlideUpdate)
	case protocol.TypeRemoteCommand:
		deliver(m, msg, m.deliverCommand)
	case protocol.TypeLessonUpdate:
		deliver(m, msg, m.cfg.OnLessonUpdate)
	case protocol.TypeSessionState:
		deliver(m, msg, m.cfg.OnSessionState)
	case protocol.TypeControllerCount:
		deliver(m, msg, func(p protocol.ControllerCount) {
			if m.cfg.OnControllerCount != nil {
				m.cfg.OnControllerCount(p.Count)
			}
		})
	case protocol.TypePong:
	default:
		m.logger.Debug("unknown message", zap.String("type", msg.Type))
	}
}

func deliver[T any](m *Manager, msg protocol.Message, fn func(T)) {
	if fn == nil {
		return
	}
	var v T
	if err := msg.Decode(&v); err != nil {
		m.logger.Debug("invalid payload", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	fn(v)
}

// deliverCommand hands cmd to OnCommand unless its id was already seen on either transport.
func (m *Manager) deliverCommand(cmd protocol.RemoteCommand) {
	if cmd.CommandID != "" {
		m.mu.Lock()
		if _, dup := m.seen[cmd.CommandID]; dup {
			m.mu.Unlock()
			return
		}
		m.seen[cmd.CommandID] = struct{}{}
		m.seenOrder = append(m.seenOrder, cmd.CommandID)
		if len(m.seenOrder) > seenCommandsCap {
			delete(m.seen, m.seenOrder[0])
			m.seenOrder = m.seenOrder[1:]
		}
		m.mu.Unlock()
	}
	if m.cfg.OnCommand != nil {
		m.cfg.OnCommand(cmd)
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, gen uint64, err error) {
	_ = conn.Close()
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	var notify func()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("server closed connection, switching to polling")
		notify = m.fallbackLocked()
	} else {
		m.logger.Warn("connection lost", zap.Error(err))
		notify = m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	notify()
}

func (m *Manager) scheduleReconnectLocked() func() {
	if m.retry == nil {
		m.retry = m.cfg.Reconnect.NewBackOff()
	}
	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		m.retry = nil
		m.logger.Warn("reconnect attempts exhausted, switching to polling")
		return m.fallbackLocked()
	}
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	m.logger.Debug("reconnect scheduled", zap.Duration("delay", delay))
	return m.setLocked(StateReconnecting, StatusReconnecting, m.transport)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	conn, err := m.dial(context.Background())
	if err != nil {
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.logger.Debug("reconnect failed", zap.Error(err))
		notify := m.scheduleReconnectLocked()
		m.mu.Unlock()
		notify()
		return
	}
	m.attach(conn, gen)
}

func (m *Manager) fallbackLocked() func() {
	m.conn = nil
	notify := m.setLocked(StateConnected, StatusFallback, TransportPolling)
	if m.stopPoll == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopPoll = cancel
		go m.poll(ctx)
	}
	return notify
}

func (m *Manager) fail(status string) {
	m.mu.Lock()
	m.stopPollingLocked()
	notify := m.setLocked(StateFailed, status, TransportNone)
	m.mu.Unlock()
	m.logger.Warn("session sync failed", zap.String("status", status))
	notify()
}

func (m *Manager) poll(ctx context.Context) {
	m.announce(ctx)
	for _, msg := range m.outbox.drain() {
		if err := m.sendHTTP(ctx, msg); err != nil {
			m.logger.Warn("replay over http failed", zap.String("type", msg.Type), zap.Error(err))
		}
	}
	if m.cfg.Presenter {
		go m.pollCommands(ctx)
	}

	ticker := time.NewTicker(m.cfg.SessionPollInterval)
	defer ticker.Stop()
	for {
		if !m.pollSession(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// announce makes the device visible to the session over HTTP: presenters push their lesson, controllers
// count themselves as a connected device.
func (m *Manager) announce(ctx context.Context) {
	if m.cfg.Presenter {
		m.mu.Lock()
		slides, total := m.slides, m.total
		m.mu.Unlock()
		if slides == nil || total == nil {
			return
		}
		if _, err := m.api.Update(ctx, protocol.UpdateRequest{Type: protocol.TypeInitPresenter, Slides: slides, TotalSlides: total}); err != nil {
			m.logger.Warn("announce presenter failed", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	done := m.announced
	m.mu.Unlock()
	if done {
		return
	}
	if _, err := m.api.Update(ctx, protocol.UpdateRequest{Type: protocol.TypeConnectDevice}); err != nil {
		m.logger.Warn("announce device failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		go m.releaseDevice()
		return
	}
	m.announced = true
	m.mu.Unlock()
}

func (m *Manager) pollSession(ctx context.Context) bool {
	snap, err := m.api.Snapshot(ctx)
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrSessionNotFound) {
		m.fail(StatusSessionNotFound)
		return false
	}
	if err != nil {
		m.logger.Debug("session poll failed", zap.Error(err))
		return true
	}
	if m.cfg.OnSessionState != nil {
		m.cfg.OnSessionState(snap.SessionState)
	}
	if m.cfg.OnSlideUpdate != nil {
		m.cfg.OnSlideUpdate(protocol.SlideUpdate{Current: snap.CurrentSlide, Total: snap.TotalSlides})
	}
	if m.cfg.Presenter && m.cfg.OnControllerCount != nil {
		m.cfg.OnControllerCount(snap.ConnectedDevices)
	}
	return true
}

func (m *Manager) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CommandPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		since := m.watermark
		m.mu.Unlock()
		res, err := m.api.CommandsSince(ctx, since)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Debug("command poll failed", zap.Error(err))
			continue
		}
		m.mu.Lock()
		if res.LastUpdate > m.watermark {
			m.watermark = res.LastUpdate
		}
		m.mu.Unlock()
		for _, cmd := range res.Commands {
			m.deliverCommand(protocol.RemoteCommand{Command: cmd.Command, CommandID: cmd.ID})
		}
	}
}

func (m *Manager) releaseDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := m.api.Update(ctx, protocol.UpdateRequest{Type: protocol.TypeDisconnectDevice}); err != nil {
		m.logger.Debug("release device failed", zap.Error(err))
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		close(m.heartbeat)
		m.heartbeat = nil
	}
}

func (m *Manager) stopPollingLocked() {
	if m.stopPoll != nil {
		m.stopPoll()
		m.stopPoll = nil
	}
}

// setLocked records a transition and returns the callback to run once m.mu is released.
func (m *Manager) setLocked(state State, status string, transport Transport) func() {
	if m.state == state && m.status == status && m.transport == transport {
		return func() {}
	}
	m.state, m.status, m.transport = state, status, transport
	m.logger.Debug("state changed",
		zap.String("state", string(state)), zap.String("status", status), zap.String("transport", string(transport)))
	cb := m.cfg.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(state, status) }
}
