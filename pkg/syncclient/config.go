package syncclient

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

// Defaults for Config.
const (
	DefaultHandshakeTimeout    = 5 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultSessionPollInterval = time.Second
	DefaultCommandPollInterval = 250 * time.Millisecond
	DefaultWriteWait           = 10 * time.Second
	DefaultRequestTimeout      = 10 * time.Second
)

// Config describes one device joining one session.
type Config struct {
	// BaseURL is the server root, e.g. https://sync.example.com.
	BaseURL     string
	SessionCode string
	Presenter   bool
	// Token is the presenter token, sent as ?token= on the socket and as a Bearer header over HTTP.
	Token string

	// Lesson content announced when a presenter registers.
	Slides      *string
	TotalSlides *int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	HandshakeTimeout    time.Duration
	HeartbeatInterval   time.Duration
	SessionPollInterval time.Duration
	CommandPollInterval time.Duration
	WriteWait           time.Duration
	QueueMaxAge         time.Duration
	Reconnect           ReconnectPolicy

	Logger *zap.Logger
	Now    func() time.Time

	// Callbacks run on the manager's goroutines and must not block.
	OnSlideUpdate     func(protocol.SlideUpdate)
	OnCommand         func(protocol.RemoteCommand)
	OnLessonUpdate    func(protocol.LessonUpdate)
	OnControllerCount func(int)
	OnSessionState    func(protocol.SessionState)
	OnStateChange     func(State, string)
}

func (c Config) withDefaults() (Config, error) {
	if c.BaseURL == "" {
		return c, errors.New("base url is required")
	}
	if c.SessionCode == "" {
		return c, errors.New("session code is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: c.HandshakeTimeout}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionPollInterval <= 0 {
		c.SessionPollInterval = DefaultSessionPollInterval
	}
	if c.CommandPollInterval <= 0 {
		c.CommandPollInterval = DefaultCommandPollInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.QueueMaxAge <= 0 {
		c.QueueMaxAge = DefaultQueueMaxAge
	}
	c.Reconnect = c.Reconnect.withDefaults()
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}
