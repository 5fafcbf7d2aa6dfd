package http

import (
	"net/http"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/pkg/errors"
	"livecore/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SessionHandler is the control API of a studio agent. It drives one session
// at a time and reads the registry for everything else.
type SessionHandler struct {
	control  ports.SessionControl
	registry ports.SessionRepository
	defaults domain.CaptureConfig
}

// NewSessionHandler fills capture fields a publish request leaves zero from
// defaults.
func NewSessionHandler(control ports.SessionControl, registry ports.SessionRepository, defaults domain.CaptureConfig) *SessionHandler {
	return &SessionHandler{
		control:  control,
		registry: registry,
		defaults: defaults,
	}
}

// SetupRoutes registers the control API. startGuards run before the routes
// that start or rebuild a session.
func (h *SessionHandler) SetupRoutes(router gin.IRouter, startGuards ...gin.HandlerFunc) {
	guarded := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, startGuards...), handler)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/devices", h.ListDevices)

		api.GET("/sessions", h.ListSessions)
		api.POST("/sessions/publish", guarded(h.StartPublishing)...)
		api.POST("/sessions/view", guarded(h.StartViewing)...)

		current := api.Group("/sessions/current")
		current.GET("", h.GetCurrent)
		current.POST("/stop", h.Stop)
		current.PUT("/quality", h.SetQuality)
		current.GET("/quality/history", h.QualityHistory)
		current.POST("/tracks/:kind", h.SetTrackEnabled)
		current.POST("/retry", guarded(h.Retry)...)
	}
}

func fail(c *gin.Context, err error) {
	c.Error(toAppError(err))
}

func (h *SessionHandler) ListDevices(c *gin.Context) {
	cameras, microphones, err := h.control.ListDevices(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cameras":     nonNil(cameras),
		"microphones": nonNil(microphones),
	})
}

type PublishRequest struct {
	StreamID     string  `json:"stream_id" binding:"required"`
	Video        *bool   `json:"video"`
	Audio        *bool   `json:"audio"`
	CameraID     string  `json:"camera_id"`
	MicrophoneID string  `json:"microphone_id"`
	Width        int     `json:"width" binding:"min=0,max=7680"`
	Height       int     `json:"height" binding:"min=0,max=4320"`
	FrameRate    float64 `json:"frame_rate" binding:"min=0,max=120"`
}

// captureConfig applies defaults. Video and audio default to on.
func (r PublishRequest) captureConfig(defaults domain.CaptureConfig) domain.CaptureConfig {
	cfg := domain.CaptureConfig{
		WantVideo:        r.Video == nil || *r.Video,
		WantAudio:        r.Audio == nil || *r.Audio,
		CameraID:         r.CameraID,
		MicrophoneID:     r.MicrophoneID,
		TargetResolution: domain.Resolution{Width: r.Width, Height: r.Height},
		TargetFrameRate:  r.FrameRate,
	}
	if cfg.TargetResolution.Width == 0 || cfg.TargetResolution.Height == 0 {
		cfg.TargetResolution = defaults.TargetResolution
	}
	if cfg.TargetFrameRate == 0 {
		cfg.TargetFrameRate = defaults.TargetFrameRate
	}
	return cfg
}

func (h *SessionHandler) StartPublishing(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStreamID(req.StreamID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	for _, id := range []string{req.CameraID, req.MicrophoneID} {
		if err := validation.ValidateDeviceID(id); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	cfg := req.captureConfig(h.defaults)
	if err := cfg.Validate(); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	record, err := h.control.StartPublishing(c.Request.Context(), domain.StreamID(req.StreamID), cfg)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": record})
}

type ViewRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
}

func (h *SessionHandler) StartViewing(c *gin.Context) {
	var req ViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStreamID(req.StreamID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	record, err := h.control.StartViewing(c.Request.Context(), domain.StreamID(req.StreamID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": record})
}

func (h *SessionHandler) GetCurrent(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.Snapshot())
}

func (h *SessionHandler) Stop(c *gin.Context) {
	if err := h.control.Stop(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.control.Snapshot())
}

type QualityRequest struct {
	Profile string `json:"profile" binding:"required"`
}

func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	label, err := domain.ParseQualityLabel(req.Profile)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	profile, err := h.control.SetQuality(c.Request.Context(), label)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

func (h *SessionHandler) QualityHistory(c *gin.Context) {
	history := h.control.QualityHistory()
	if history == nil {
		history = []domain.QualityChange{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type TrackRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *SessionHandler) SetTrackEnabled(c *gin.Context) {
	kind := domain.MediaKind(c.Param("kind"))
	if !kind.Valid() {
		c.Error(errors.NewInvalidInputError("track kind must be video or audio"))
		return
	}

	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.control.SetTrackEnabled(kind, *req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": *req.Enabled})
}

func (h *SessionHandler) Retry(c *gin.Context) {
	if err := h.control.Retry(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.control.Snapshot())
}

// ListSessions reads the registry: active sessions, or every session of one
// stream when stream_id is given.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	var (
		records []*domain.SessionRecord
		err     error
	)
	if streamID := c.Query("stream_id"); streamID != "" {
		if verr := validation.ValidateStreamID(streamID); verr != nil {
			c.Error(errors.NewInvalidInputError(verr.Error()))
			return
		}
		records, err = h.registry.ListByStream(c.Request.Context(), domain.StreamID(streamID))
	} else {
		records, err = h.registry.ListActive(c.Request.Context())
	}
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": nonNil(records),
		"count":    len(records),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
