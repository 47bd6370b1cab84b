// Package presentation serves the HTTP fallback surface used by devices that cannot hold a realtime
// connection, plus read access to archived sessions.
package presentation

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/internal/archive"
	"github.com/lessonlink/presenter-sync/internal/auth"
	"github.com/lessonlink/presenter-sync/internal/middleware"
	"github.com/lessonlink/presenter-sync/internal/sessions"
	"github.com/lessonlink/presenter-sync/pkg/metrics"
	"github.com/lessonlink/presenter-sync/pkg/protocol"
	"github.com/lessonlink/presenter-sync/pkg/response"
)

// Pusher applies session effects and pushes them to realtime peers. realtime.Server implements it.
type Pusher interface {
	ChangeSlide(code string, current int, total *int) protocol.SlideUpdate
	QueueCommand(code, command string) string
	UpdateLesson(code string, upd protocol.LessonUpdate, except sessions.Peer)
	NotifyDeviceCount(code string)
}

// ArchiveLister lists archived runs of a session code.
type ArchiveLister interface {
	List(ctx context.Context, code string) ([]archive.Entry, error)
}

// Handler handles the session fallback endpoints.
type Handler struct {
	registry *sessions.Registry
	pusher   Pusher
	tokens   *auth.PresenterTokens
	archive  ArchiveLister
	logger   *zap.Logger
}

// NewHandler creates a presentation handler. tokens and archive may be nil.
func NewHandler(registry *sessions.Registry, pusher Pusher, tokens *auth.PresenterTokens, archive ArchiveLister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, pusher: pusher, tokens: tokens, archive: archive, logger: logger}
}

// RegisterRoutes mounts the fallback endpoints on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/sessions/stats", h.Stats)
	r.GET("/sessions/:code", h.GetSession)
	r.POST("/sessions/:code", h.UpdateSession)
	r.DELETE("/sessions/:code", middleware.RequirePresenter(h.tokens), h.DeleteSession)
	r.GET("/sessions/:code/commands", h.ListCommands)
	r.POST("/sessions/:code/commands", h.SubmitCommand)
	if h.archive != nil {
		r.GET("/archive/:code", h.ListArchive)
	}
}

// GetSession handles GET /sessions/:code.
func (h *Handler) GetSession(c *gin.Context) {
	snap, ok := h.registry.Snapshot(c.Param("code"))
	if !ok {
		response.NotFound(c, "session not found")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// UpdateSession handles POST /sessions/:code with a typed update body.
func (h *Handler) UpdateSession(c *gin.Context) {
	code := c.Param("code")
	var req protocol.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	switch req.Type {
	case protocol.TypeInitPresenter:
		if !h.presenterAllowed(c, code) {
			return
		}
		if req.Slides == nil || req.TotalSlides == nil {
			response.BadRequest(c, "slides and totalSlides are required")
			return
		}
		h.pusher.UpdateLesson(code, protocol.LessonUpdate{Slides: *req.Slides, TotalSlides: *req.TotalSlides}, nil)
	case protocol.TypeSlideChange:
		if !h.presenterAllowed(c, code) {
			return
		}
		if req.Current == nil {
			response.BadRequest(c, "current is required")
			return
		}
		h.pusher.ChangeSlide(code, *req.Current, req.Total)
	case protocol.TypeConnectDevice:
		h.registry.IncrementDeviceCount(code)
		if req.Slides != nil {
			upd := protocol.LessonUpdate{Slides: *req.Slides}
			if req.TotalSlides != nil {
				upd.TotalSlides = *req.TotalSlides
			} else {
				upd.TotalSlides = h.registry.GetOrCreate(code).TotalSlides
			}
			h.pusher.UpdateLesson(code, upd, nil)
		}
		h.pusher.NotifyDeviceCount(code)
	case protocol.TypeDisconnectDevice:
		h.registry.DecrementDeviceCount(code)
		h.pusher.NotifyDeviceCount(code)
	case protocol.TypeUpdateSlides:
		if req.Slides == nil {
			response.BadRequest(c, "slides is required")
			return
		}
		upd := protocol.LessonUpdate{
			Slides:            *req.Slides,
			WorkshopData:      req.WorkshopData,
			WorkshopStartTime: req.WorkshopStartTime,
			WorkshopEndTime:   req.WorkshopEndTime,
		}
		if req.TotalSlides != nil {
			upd.TotalSlides = *req.TotalSlides
		} else {
			upd.TotalSlides = h.registry.GetOrCreate(code).TotalSlides
		}
		h.pusher.UpdateLesson(code, upd, nil)
	case protocol.TypeCommand:
		if req.Command == "" {
			response.BadRequest(c, "command is required")
			return
		}
		h.pusher.QueueCommand(code, req.Command)
	default:
		response.BadRequest(c, "unknown update type")
		return
	}

	metrics.FallbackRequests.WithLabelValues(req.Type).Inc()
	// disconnect-device does not create a session, so there may be nothing to report.
	snap, ok := h.registry.Snapshot(code)
	if !ok {
		snap = protocol.Snapshot{PendingCommands: []protocol.PendingCommand{}}
	}
	c.JSON(http.StatusOK, protocol.UpdateResponse{Success: true, Session: snap})
}

// DeleteSession handles DELETE /sessions/:code.
func (h *Handler) DeleteSession(c *gin.Context) {
	code := c.Param("code")
	presenterLive := h.registry.HasPresenter(code)
	h.registry.DeleteSession(code)
	h.logger.Info("session deleted",
		zap.String("session_code", code),
		zap.Bool("presenter_live", presenterLive),
		zap.Bool("token_verified", c.GetBool(middleware.ContextPresenter)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListCommands handles GET /sessions/:code/commands?since=<ms>.
func (h *Handler) ListCommands(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.BadRequest(c, "since must be an integer timestamp in milliseconds")
			return
		}
		since = v
	}
	commands, last := h.registry.CommandsSince(c.Param("code"), since)
	c.JSON(http.StatusOK, protocol.CommandsResponse{Commands: commands, LastUpdate: last})
}

// SubmitCommand handles POST /sessions/:code/commands.
func (h *Handler) SubmitCommand(c *gin.Context) {
	var req protocol.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Command == "" {
		response.BadRequest(c, "command is required")
		return
	}
	id := h.pusher.QueueCommand(c.Param("code"), req.Command)
	metrics.FallbackRequests.WithLabelValues(protocol.TypeCommand).Inc()
	c.JSON(http.StatusOK, protocol.CommandResponse{Success: true, CommandID: id})
}

// Stats handles GET /sessions/stats.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Stats())
}

// ListArchive handles GET /archive/:code.
func (h *Handler) ListArchive(c *gin.Context) {
	code := c.Param("code")
	entries, err := h.archive.List(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("list archive", zap.String("session_code", code), zap.Error(err))
		response.Internal(c, "failed to list archive")
		return
	}
	response.OK(c, gin.H{"archives": entries})
}

func (h *Handler) presenterAllowed(c *gin.Context, code string) bool {
	if err := h.tokens.Authorize(middleware.PresenterToken(c), code); err != nil {
		response.Unauthorized(c, "presenter token required")
		return false
	}
	return true
}
