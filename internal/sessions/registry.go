package sessions

import (
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/pkg/metrics"
	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

const (
	// MaxPendingCommands bounds each session's command queue; the oldest entry is evicted first.
	MaxPendingCommands = 20
	// ActiveWindow is the activity window used by Stats.
	ActiveWindow = time.Hour
)

// Close reasons reported in Summary.Reason.
const (
	ReasonEmpty    = "empty"
	ReasonExpired  = "expired"
	ReasonDeleted  = "deleted"
	ReasonShutdown = "shutdown"
)

// Peer is a weak handle to a live connection. The registry never owns its lifecycle:
// it only checks liveness lazily and force-closes on replacement or teardown.
type Peer interface {
	ID() string
	// Send queues a message without blocking. An error means the peer is dead.
	Send(msgType string, payload interface{}) error
	Alive() bool
	// Close force-disconnects the peer. It must be idempotent and non-blocking.
	Close()
}

// Stats summarizes registry occupancy.
type Stats struct {
	TotalSessions  int `json:"totalSessions"`
	ActiveSessions int `json:"activeSessions"`
}

// Summary describes a session at the moment it left the registry.
type Summary struct {
	SessionID     uuid.UUID
	Code          string
	CreatedAt     time.Time
	EndedAt       time.Time
	CurrentSlide  int
	TotalSlides   int
	Slides        string
	PeakDevices   int
	CommandsTotal int
	Reason        string
}

// ClosedHandler is called, outside the registry lock, for every session removed from the registry.
type ClosedHandler func(Summary)

type session struct {
	id uuid.UUID

	currentSlide  int
	totalSlides   int
	slides        *string
	workshopData  json.RawMessage
	workshopStart *string
	workshopEnd   *string

	presenter        Peer
	controllers      map[Peer]struct{}
	httpDevices      int
	connectedDevices int

	pending       []protocol.PendingCommand
	lastCommandAt int64
	watermark     int64

	createdAt    time.Time
	lastActivity time.Time
	lastUpdate   time.Time

	peakDevices   int
	commandsTotal int
}

// Registry owns all live session state. It is shared by the realtime server and the HTTP
// fallback handlers; a single mutex makes every operation atomic with respect to the others.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *zap.Logger
	now      func() time.Time
	entropy  io.Reader
	onClosed ClosedHandler
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		sessions: make(map[string]*session),
		logger:   logger,
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnSessionClosed sets the callback for removed sessions (e.g. archiving).
func (r *Registry) OnSessionClosed(fn ClosedHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = fn
}

// GetOrCreate returns the snapshot of the session, creating it with zero state if needed.
func (r *Registry) GetOrCreate(code string) protocol.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	r.pruneLocked(s)
	return r.snapshotLocked(s)
}

// Snapshot returns the session without creating it.
func (r *Registry) Snapshot(code string) (protocol.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return protocol.Snapshot{}, false
	}
	s.lastActivity = r.now()
	r.pruneLocked(s)
	return r.snapshotLocked(s), true
}

// UpdateSlideState sets the slide position. A nil total leaves the total unchanged.
func (r *Registry) UpdateSlideState(code string, current int, total *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	s.currentSlide = current
	if total != nil {
		s.totalSlides = *total
	}
	r.markUpdatedLocked(s)
}

// SetTotalSlides sets only the slide total.
func (r *Registry) SetTotalSlides(code string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	s.totalSlides = total
	r.markUpdatedLocked(s)
}

// UpdateSlides stores opaque lesson content and, when given, the slide total.
func (r *Registry) UpdateSlides(code, content string, total *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	s.slides = &content
	if total != nil {
		s.totalSlides = *total
	}
	r.markUpdatedLocked(s)
}

// UpdateWorkshopData stores passthrough workshop metadata. Start and end are only overwritten when provided.
func (r *Registry) UpdateWorkshopData(code string, data json.RawMessage, start, end *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	s.workshopData = data
	if start != nil && *start != "" {
		v := *start
		s.workshopStart = &v
	}
	if end != nil && *end != "" {
		v := *end
		s.workshopEnd = &v
	}
	r.markUpdatedLocked(s)
}

// AddCommand appends a command and returns its id. Timestamps are strictly increasing per session and
// always later than any watermark already returned by CommandsSince.
func (r *Registry) AddCommand(code, command string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addCommandLocked(r.getOrCreateLocked(code), command, "")
}

// ImportCommand queues a command that was assigned id elsewhere, such as on another instance. A command
// whose id is still queued is not added twice.
func (r *Registry) ImportCommand(code, command, id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	if id != "" {
		for _, c := range s.pending {
			if c.ID == id {
				return id
			}
		}
	}
	return r.addCommandLocked(s, command, id)
}

func (r *Registry) addCommandLocked(s *session, command, id string) string {
	now := r.now()
	ts := now.UnixMilli()
	if ts <= s.lastCommandAt {
		ts = s.lastCommandAt + 1
	}
	if ts <= s.watermark {
		ts = s.watermark + 1
	}
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(now), r.entropy).String()
	}
	s.pending = append(s.pending, protocol.PendingCommand{Command: command, Timestamp: ts, ID: id})
	if over := len(s.pending) - MaxPendingCommands; over > 0 {
		s.pending = append([]protocol.PendingCommand(nil), s.pending[over:]...)
	}
	s.lastCommandAt = ts
	s.commandsTotal++
	r.markUpdatedLocked(s)
	metrics.CommandsQueued.Inc()
	return id
}

// CommandsSince returns the queued commands with a timestamp after since, in insertion order, and the
// watermark to poll with next: the latest timestamp in the batch, or now when the batch is empty.
// An unknown code is not created; it yields no commands and hands since back unchanged.
func (r *Registry) CommandsSince(code string, since int64) ([]protocol.PendingCommand, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return []protocol.PendingCommand{}, since
	}
	s.lastActivity = r.now()
	out := make([]protocol.PendingCommand, 0, len(s.pending))
	for _, c := range s.pending {
		if c.Timestamp > since {
			out = append(out, c)
		}
	}
	last := r.now().UnixMilli()
	if len(out) > 0 {
		last = out[len(out)-1].Timestamp
	} else if held := min(since, s.lastCommandAt); held > last {
		// Never hand back a watermark behind one the caller already holds.
		last = held
	}
	if last > s.watermark {
		s.watermark = last
	}
	return out, last
}

// RegisterPresenter makes peer the presenter, force-disconnecting a live previous presenter.
func (r *Registry) RegisterPresenter(code string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	if prev := s.presenter; prev != nil && prev != peer && prev.Alive() {
		r.logger.Info("replacing presenter",
			zap.String("session_code", code),
			zap.String("previous", prev.ID()),
			zap.String("presenter", peer.ID()),
		)
		prev.Close()
		metrics.PresenterReplacements.Inc()
	}
	s.presenter = peer
}

// RegisterController adds peer to the session's controllers.
func (r *Registry) RegisterController(code string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	s.controllers[peer] = struct{}{}
	r.pruneLocked(s)
}

// RemoveConnection detaches peer from the session. Calling it again is a no-op. The session is
// deleted once it has no presenter, no controllers and no HTTP-only devices.
func (r *Registry) RemoveConnection(code string, peer Peer) {
	var summary *Summary
	r.mu.Lock()
	s, ok := r.sessions[code]
	if ok {
		delete(s.controllers, peer)
		if s.presenter == peer {
			s.presenter = nil
		}
		r.pruneLocked(s)
		s.lastActivity = r.now()
		if s.presenter == nil && len(s.controllers) == 0 && s.httpDevices == 0 {
			summary = r.removeLocked(code, ReasonEmpty)
		}
	}
	onClosed := r.onClosed
	r.mu.Unlock()
	r.notifyClosed(onClosed, summary)
}

// IncrementDeviceCount registers an HTTP-only device that holds no live connection.
func (r *Registry) IncrementDeviceCount(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(code)
	s.httpDevices++
	r.pruneLocked(s)
}

// DecrementDeviceCount removes an HTTP-only device; the count floors at zero. An unknown code is
// not created.
func (r *Registry) DecrementDeviceCount(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return
	}
	s.lastActivity = r.now()
	if s.httpDevices > 0 {
		s.httpDevices--
	}
	r.pruneLocked(s)
}

// DeviceCount prunes dead controllers and returns the connected device count.
func (r *Registry) DeviceCount(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return 0
	}
	r.pruneLocked(s)
	return s.connectedDevices
}

// BroadcastToControllers sends to every live controller, pruning any found dead.
func (r *Registry) BroadcastToControllers(code, msgType string, payload interface{}) {
	r.BroadcastToSession(code, msgType, payload, nil, false)
}

// BroadcastToSession sends to every live controller and, when includePresenter is set, the presenter.
// except is skipped (usually the sender).
func (r *Registry) BroadcastToSession(code, msgType string, payload interface{}, except Peer, includePresenter bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return
	}
	for c := range s.controllers {
		if c == except {
			continue
		}
		if !c.Alive() {
			delete(s.controllers, c)
			metrics.PeersPruned.Inc()
			continue
		}
		if err := c.Send(msgType, payload); err != nil {
			r.logger.Debug("dropping controller after failed send",
				zap.String("session_code", code), zap.String("peer", c.ID()), zap.Error(err))
			delete(s.controllers, c)
			c.Close()
			metrics.PeersPruned.Inc()
		}
	}
	if includePresenter && s.presenter != nil && s.presenter != except {
		r.sendToPresenterLocked(code, s, msgType, payload)
	}
	r.recountLocked(s)
}

// SendToPresenter delivers to the live presenter and reports whether it was delivered.
// A dead presenter is cleared.
func (r *Registry) SendToPresenter(code, msgType string, payload interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return false
	}
	return r.sendToPresenterLocked(code, s, msgType, payload)
}

// HasPresenter reports whether the session currently has a live presenter.
func (r *Registry) HasPresenter(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok || s.presenter == nil {
		return false
	}
	if !s.presenter.Alive() {
		s.presenter = nil
		return false
	}
	return true
}

// HasSession reports whether code is present.
func (r *Registry) HasSession(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[code]
	return ok
}

// DeleteSession force-closes every live connection of the session and removes it.
func (r *Registry) DeleteSession(code string) {
	r.mu.Lock()
	summary := r.removeLocked(code, ReasonDeleted)
	onClosed := r.onClosed
	r.mu.Unlock()
	r.notifyClosed(onClosed, summary)
}

// Stats reports the session count and how many saw activity within ActiveWindow.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ActiveWindow)
	st := Stats{TotalSessions: len(r.sessions)}
	for _, s := range r.sessions {
		if s.lastActivity.After(cutoff) {
			st.ActiveSessions++
		}
	}
	return st
}

// ExpireIdle removes sessions idle for longer than idle and returns their codes.
func (r *Registry) ExpireIdle(idle time.Duration) []string {
	r.mu.Lock()
	cutoff := r.now().Add(-idle)
	var (
		codes     []string
		summaries []*Summary
	)
	for code, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			codes = append(codes, code)
			summaries = append(summaries, r.removeLocked(code, ReasonExpired))
		}
	}
	onClosed := r.onClosed
	r.mu.Unlock()
	for _, sum := range summaries {
		r.notifyClosed(onClosed, sum)
	}
	return codes
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	summaries := make([]*Summary, 0, len(r.sessions))
	for code := range r.sessions {
		summaries = append(summaries, r.removeLocked(code, ReasonShutdown))
	}
	onClosed := r.onClosed
	r.mu.Unlock()
	for _, sum := range summaries {
		r.notifyClosed(onClosed, sum)
	}
}

func (r *Registry) getOrCreateLocked(code string) *session {
	now := r.now()
	s, ok := r.sessions[code]
	if !ok {
		s = &session{
			id:           uuid.New(),
			controllers:  make(map[Peer]struct{}),
			pending:      []protocol.PendingCommand{},
			createdAt:    now,
			lastUpdate:   now,
			lastActivity: now,
		}
		r.sessions[code] = s
		metrics.SessionsLive.Set(float64(len(r.sessions)))
		r.logger.Debug("session created", zap.String("session_code", code))
	}
	s.lastActivity = now
	return s
}

func (r *Registry) markUpdatedLocked(s *session) {
	now := r.now()
	s.lastUpdate = now
	s.lastActivity = now
}

// pruneLocked drops dead handles and recomputes the device count.
func (r *Registry) pruneLocked(s *session) {
	for c := range s.controllers {
		if !c.Alive() {
			delete(s.controllers, c)
			metrics.PeersPruned.Inc()
		}
	}
	if s.presenter != nil && !s.presenter.Alive() {
		s.presenter = nil
		metrics.PeersPruned.Inc()
	}
	r.recountLocked(s)
}

func (r *Registry) recountLocked(s *session) {
	s.connectedDevices = len(s.controllers) + s.httpDevices
	if s.connectedDevices > s.peakDevices {
		s.peakDevices = s.connectedDevices
	}
}

func (r *Registry) sendToPresenterLocked(code string, s *session, msgType string, payload interface{}) bool {
	p := s.presenter
	if p == nil {
		return false
	}
	if !p.Alive() {
		s.presenter = nil
		return false
	}
	if err := p.Send(msgType, payload); err != nil {
		r.logger.Debug("dropping presenter after failed send",
			zap.String("session_code", code), zap.String("peer", p.ID()), zap.Error(err))
		s.presenter = nil
		p.Close()
		return false
	}
	return true
}

// removeLocked closes all live peers of the session before deleting it.
func (r *Registry) removeLocked(code, reason string) *Summary {
	s, ok := r.sessions[code]
	if !ok {
		return nil
	}
	if s.presenter != nil && s.presenter.Alive() {
		s.presenter.Close()
	}
	for c := range s.controllers {
		if c.Alive() {
			c.Close()
		}
	}
	delete(r.sessions, code)
	metrics.SessionsLive.Set(float64(len(r.sessions)))
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	r.logger.Info("session closed", zap.String("session_code", code), zap.String("reason", reason))

	sum := &Summary{
		SessionID:     s.id,
		Code:          code,
		CreatedAt:     s.createdAt,
		EndedAt:       r.now(),
		CurrentSlide:  s.currentSlide,
		TotalSlides:   s.totalSlides,
		PeakDevices:   s.peakDevices,
		CommandsTotal: s.commandsTotal,
		Reason:        reason,
	}
	if s.slides != nil {
		sum.Slides = *s.slides
	}
	return sum
}

func (r *Registry) notifyClosed(fn ClosedHandler, sum *Summary) {
	if fn == nil || sum == nil {
		return
	}
	fn(*sum)
}

func (r *Registry) snapshotLocked(s *session) protocol.Snapshot {
	snap := protocol.Snapshot{
		SessionState: protocol.SessionState{
			CurrentSlide:     s.currentSlide,
			TotalSlides:      s.totalSlides,
			ConnectedDevices: s.connectedDevices,
			WorkshopData:     s.workshopData,
		},
		LastUpdate:      s.lastUpdate.UnixMilli(),
		CreatedAt:       s.createdAt.UnixMilli(),
		LastActivity:    s.lastActivity.UnixMilli(),
		PendingCommands: append([]protocol.PendingCommand{}, s.pending...),
	}
	if s.slides != nil {
		v := *s.slides
		snap.Slides = &v
	}
	if s.workshopStart != nil {
		v := *s.workshopStart
		snap.WorkshopStartTime = &v
	}
	if s.workshopEnd != nil {
		v := *s.workshopEnd
		snap.WorkshopEndTime = &v
	}
	return snap
}
