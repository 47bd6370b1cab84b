package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/internal/sessions"
	"github.com/lessonlink/presenter-sync/pkg/metrics"
	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	WriteWait    = 10 * time.Second

	defaultSendBuffer     = 256
	defaultMaxMessageSize = 1 << 20
	publishTimeout        = 5 * time.Second
)

var errServerClosed = errors.New("realtime server closed")

// Config tunes connection handling. Zero values fall back to the defaults above.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins restricts the upgrade Origin header. Empty or "*" allows all.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// PresenterAuthorizer decides whether token may present the session code.
type PresenterAuthorizer func(token, code string) error

// Option configures a Server.
type Option func(*Server)

// WithBridge enables cross-instance fan-out.
func WithBridge(b Bridge) Option {
	return func(s *Server) { s.bridge = b }
}

// WithPresenterAuth gates presenter registration behind authorize.
func WithPresenterAuth(authorize PresenterAuthorizer) Option {
	return func(s *Server) { s.authorize = authorize }
}

// subscription is a session's fan-out subscription, shared by the local connections of that session.
// ready is closed once Subscribe returns; err is set when it failed.
type subscription struct {
	refs   int
	ready  chan struct{}
	cancel func()
	err    error
}

// Server is the realtime transport: it upgrades connections, dispatches their messages against the
// registry and applies the same effects on behalf of the HTTP fallback.
type Server struct {
	registry  *sessions.Registry
	cfg       Config
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	bridge    Bridge
	authorize PresenterAuthorizer

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewServer creates a realtime server bound to registry.
func NewServer(registry *sessions.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[string]*subscription),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 || set["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeWs handles the websocket upgrade on /ws/:code and /ws and runs the client loop.
func (s *Server) ServeWs(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		id:     uuid.New().String(),
		server: s,
		conn:   conn,
		send:   make(chan protocol.Message, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
		token:  c.Query("token"),
	}
	// The path code is only a default: registration messages bind the session.
	client.code = c.Param("code")
	metrics.ActiveConnections.Inc()
	s.logger.Debug("client connected", zap.String("client_id", client.id), zap.String("session_code", client.code))

	go client.writePump()
	client.readPump()
}

func (s *Server) dispatch(c *Client, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoinSession:
		var p protocol.JoinSession
		if !s.decode(c, msg, &p) {
			return
		}
		code := p.SessionCode
		if code == "" {
			code, _ = c.Session()
		}
		if p.IsPresenter {
			s.registerPresenter(c, code, protocol.RegisterPresenter{})
		} else {
			s.registerController(c, code, true)
		}
	case protocol.TypeRegisterPresenter:
		var p protocol.RegisterPresenter
		if !s.decode(c, msg, &p) {
			return
		}
		code, _ := c.Session()
		s.registerPresenter(c, code, p)
	case protocol.TypeRegisterController:
		code, _ := c.Session()
		s.registerController(c, code, false)
	case protocol.TypePing:
		_ = c.Send(protocol.TypePong, struct{}{})
	default:
		code, role := c.Session()
		if role == "" {
			s.drop(c, msg.Type, "unregistered")
			return
		}
		s.handleSessionMessage(c, code, role, msg)
	}
}

func (s *Server) handleSessionMessage(c *Client, code, role string, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSlideChange:
		if role != RolePresenter {
			s.drop(c, msg.Type, "wrong_role")
			return
		}
		var p protocol.SlideChange
		if !s.decode(c, msg, &p) {
			return
		}
		s.ChangeSlide(code, p.Current, &p.Total)
	case protocol.TypeCommand:
		var p protocol.Command
		if !s.decode(c, msg, &p) {
			return
		}
		if p.Command == "" {
			s.drop(c, msg.Type, "empty_command")
			return
		}
		s.QueueCommand(code, p.Command)
	case protocol.TypeLessonUpdate:
		var p protocol.LessonUpdate
		if !s.decode(c, msg, &p) {
			return
		}
		s.UpdateLesson(code, p, c)
	case protocol.TypeInitPresenter:
		if role != RolePresenter {
			s.drop(c, msg.Type, "wrong_role")
			return
		}
		var p protocol.InitPresenter
		if !s.decode(c, msg, &p) {
			return
		}
		s.UpdateLesson(code, protocol.LessonUpdate{Slides: p.Slides, TotalSlides: p.TotalSlides}, c)
	case protocol.TypeConnectDevice:
		var p protocol.ConnectDevice
		if !s.decode(c, msg, &p) {
			return
		}
		if p.Slides != nil {
			upd := protocol.LessonUpdate{Slides: *p.Slides}
			if p.TotalSlides != nil {
				upd.TotalSlides = *p.TotalSlides
			} else {
				upd.TotalSlides = s.registry.GetOrCreate(code).TotalSlides
			}
			s.UpdateLesson(code, upd, c)
		}
	default:
		s.drop(c, msg.Type, "unknown_type")
	}
}

func (s *Server) registerPresenter(c *Client, code string, p protocol.RegisterPresenter) {
	if code == "" {
		s.drop(c, protocol.TypeRegisterPresenter, "missing_code")
		return
	}
	if s.authorize != nil {
		if err := s.authorize(c.token, code); err != nil {
			s.logger.Warn("presenter registration rejected",
				zap.String("client_id", c.id), zap.String("session_code", code), zap.Error(err))
			metrics.MessagesDropped.WithLabelValues("unauthorized").Inc()
			c.Close()
			return
		}
	}
	if !c.bind(code, RolePresenter) {
		s.drop(c, protocol.TypeRegisterPresenter, "already_registered")
		return
	}
	s.registry.RegisterPresenter(code, c)
	c.setSubscription(s.acquire(code))
	if p.TotalSlides != nil {
		s.registry.SetTotalSlides(code, *p.TotalSlides)
	}
	if p.Slides != nil {
		s.registry.UpdateSlides(code, *p.Slides, p.TotalSlides)
	}
	snap := s.registry.GetOrCreate(code)
	_ = c.Send(protocol.TypeSessionState, snap.SessionState)
	s.registry.BroadcastToControllers(code, protocol.TypeSlideUpdate,
		protocol.SlideUpdate{Current: snap.CurrentSlide, Total: snap.TotalSlides})
	s.logger.Info("presenter registered", zap.String("client_id", c.id), zap.String("session_code", code))
}

// registerController attaches c as a controller. The legacy join form replies with the full
// session-state; the discrete form replies with slide-update plus lesson content when present.
func (s *Server) registerController(c *Client, code string, legacy bool) {
	if code == "" {
		s.drop(c, protocol.TypeRegisterController, "missing_code")
		return
	}
	if !c.bind(code, RoleController) {
		s.drop(c, protocol.TypeRegisterController, "already_registered")
		return
	}
	s.registry.RegisterController(code, c)
	c.setSubscription(s.acquire(code))
	snap := s.registry.GetOrCreate(code)
	if legacy {
		_ = c.Send(protocol.TypeSessionState, snap.SessionState)
	} else {
		_ = c.Send(protocol.TypeSlideUpdate, protocol.SlideUpdate{Current: snap.CurrentSlide, Total: snap.TotalSlides})
		if snap.Slides != nil {
			_ = c.Send(protocol.TypeLessonUpdate, lessonFromState(snap.SessionState))
		}
	}
	s.NotifyDeviceCount(code)
	s.logger.Info("controller registered", zap.String("client_id", c.id), zap.String("session_code", code))
}

func (s *Server) disconnect(c *Client) {
	c.Close()
	metrics.ActiveConnections.Dec()
	code, role := c.Session()
	if role == "" {
		return
	}
	s.registry.RemoveConnection(code, c)
	if role == RoleController {
		s.NotifyDeviceCount(code)
	}
	s.release(code, c.takeSubscription())
	s.logger.Debug("client disconnected",
		zap.String("client_id", c.id), zap.String("session_code", code), zap.String("role", role))
}

// ChangeSlide records the presenter position and pushes slide-update to controllers and peer instances.
func (s *Server) ChangeSlide(code string, current int, total *int) protocol.SlideUpdate {
	s.registry.UpdateSlideState(code, current, total)
	snap := s.registry.GetOrCreate(code)
	upd := protocol.SlideUpdate{Current: snap.CurrentSlide, Total: snap.TotalSlides}
	s.registry.BroadcastToControllers(code, protocol.TypeSlideUpdate, upd)
	s.publish(code, protocol.TypeSlideUpdate, upd)
	return upd
}

// QueueCommand records a command and attempts direct delivery to the presenter. The command stays
// queued for pollers whether or not delivery succeeds.
func (s *Server) QueueCommand(code, command string) string {
	id := s.registry.AddCommand(code, command)
	s.deliverCommand(code, command, id)
	s.publish(code, protocol.TypeRemoteCommand, protocol.RemoteCommand{Command: command, CommandID: id})
	return id
}

func (s *Server) deliverCommand(code, command, id string) {
	delivered := s.registry.SendToPresenter(code, protocol.TypeRemoteCommand,
		protocol.RemoteCommand{Command: command, CommandID: id})
	s.logger.Debug("command queued",
		zap.String("session_code", code), zap.String("command", command),
		zap.String("command_id", id), zap.Bool("delivered", delivered))
}

// UpdateLesson stores lesson content and workshop metadata and pushes lesson-update to every peer in the
// session except the sender.
func (s *Server) UpdateLesson(code string, upd protocol.LessonUpdate, except sessions.Peer) {
	s.applyLesson(code, upd, except)
	s.publish(code, protocol.TypeLessonUpdate, upd)
}

func (s *Server) applyLesson(code string, upd protocol.LessonUpdate, except sessions.Peer) {
	total := upd.TotalSlides
	s.registry.UpdateSlides(code, upd.Slides, &total)
	if upd.HasWorkshop() {
		s.registry.UpdateWorkshopData(code, upd.WorkshopData, upd.WorkshopStartTime, upd.WorkshopEndTime)
	}
	s.registry.BroadcastToSession(code, protocol.TypeLessonUpdate, upd, except, true)
}

// NotifyDeviceCount sends the current device count to the presenter, if one is connected.
func (s *Server) NotifyDeviceCount(code string) {
	s.registry.SendToPresenter(code, protocol.TypeControllerCount,
		protocol.ControllerCount{Count: s.registry.DeviceCount(code)})
}

// Registry returns the registry the server operates on.
func (s *Server) Registry() *sessions.Registry { return s.registry }

func (s *Server) decode(c *Client, msg protocol.Message, v interface{}) bool {
	if err := msg.Decode(v); err != nil {
		s.logger.Debug("dropping message with invalid payload",
			zap.String("client_id", c.id), zap.String("type", msg.Type), zap.Error(err))
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return false
	}
	return true
}

func (s *Server) drop(c *Client, msgType, reason string) {
	s.logger.Debug("dropping message",
		zap.String("client_id", c.id), zap.String("type", msgType), zap.String("reason", reason))
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
}

// acquire takes a reference on the session's fan-out subscription, subscribing on the first local
// connection. Subscribe runs outside s.mu; later callers wait for it. It returns nil when no
// subscription is held, and only a non-nil result may be passed to release.
func (s *Server) acquire(code string) *subscription {
	if s.bridge == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if sub, ok := s.subs[code]; ok {
		sub.refs++
		s.mu.Unlock()
		<-sub.ready
		if sub.err != nil {
			return nil
		}
		return sub
	}
	sub := &subscription{refs: 1, ready: make(chan struct{})}
	s.subs[code] = sub
	s.mu.Unlock()

	cancel, err := s.bridge.Subscribe(code, func(msgType string, data json.RawMessage) {
		s.applyRemote(code, msgType, data)
	})

	s.mu.Lock()
	current := s.subs[code] == sub
	if err == nil && !current {
		err = errServerClosed
	}
	if err != nil {
		if current {
			delete(s.subs, code)
		}
		sub.err = err
		close(sub.ready)
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.logger.Warn("fan-out subscribe failed", zap.String("session_code", code), zap.Error(err))
		return nil
	}
	sub.cancel = cancel
	close(sub.ready)
	s.mu.Unlock()
	return sub
}

// release drops a reference taken by acquire and unsubscribes when the last local connection leaves.
func (s *Server) release(code string, sub *subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	if s.subs[code] != sub {
		s.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.subs, code)
	s.mu.Unlock()
	sub.cancel()
}

func (s *Server) publish(code, msgType string, payload interface{}) {
	if s.bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bridge.Publish(ctx, code, msgType, payload); err != nil {
		s.logger.Warn("fan-out publish failed",
			zap.String("session_code", code), zap.String("type", msgType), zap.Error(err))
	}
}

// applyRemote replays an event published by another instance against local state and peers.
func (s *Server) applyRemote(code, msgType string, data json.RawMessage) {
	msg := protocol.Message{Type: msgType, Data: data}
	switch msgType {
	case protocol.TypeSlideUpdate:
		var p protocol.SlideUpdate
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.registry.UpdateSlideState(code, p.Current, &p.Total)
		s.registry.BroadcastToControllers(code, protocol.TypeSlideUpdate, p)
	case protocol.TypeRemoteCommand:
		var p protocol.RemoteCommand
		if err := msg.Decode(&p); err != nil || p.Command == "" {
			return
		}
		// Keep the origin id so clients dedupe the command across instances.
		id := s.registry.ImportCommand(code, p.Command, p.CommandID)
		s.deliverCommand(code, p.Command, id)
	case protocol.TypeLessonUpdate:
		var p protocol.LessonUpdate
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.applyLesson(code, p, nil)
	default:
		s.logger.Debug("ignoring fan-out event", zap.String("session_code", code), zap.String("type", msgType))
	}
}

// Close cancels every fan-out subscription. Later registrations no longer subscribe.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var cancels []func()
	for code, sub := range s.subs {
		// A subscription still in flight is cancelled by acquire once it sees the entry gone.
		if sub.cancel != nil {
			cancels = append(cancels, sub.cancel)
		}
		delete(s.subs, code)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func lessonFromState(st protocol.SessionState) protocol.LessonUpdate {
	upd := protocol.LessonUpdate{
		TotalSlides:       st.TotalSlides,
		WorkshopData:      st.WorkshopData,
		WorkshopStartTime: st.WorkshopStartTime,
		WorkshopEndTime:   st.WorkshopEndTime,
	}
	if st.Slides != nil {
		upd.Slides = *st.Slides
	}
	return upd
}
