package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MediaSourceHandle is exclusive ownership of the capture hardware. It holds
// exactly one track per requested kind until released.
type MediaSourceHandle struct {
	ID     domain.HandleID
	Config domain.CaptureConfig

	manager  *DeviceManager
	mu       sync.Mutex
	tracks   map[domain.MediaKind]ports.MediaTrack
	released bool
}

// Tracks returns the held tracks, video first. Empty once released.
func (h *MediaSourceHandle) Tracks() []ports.MediaTrack {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	out := make([]ports.MediaTrack, 0, len(h.tracks))
	for _, kind := range []domain.MediaKind{domain.KindVideo, domain.KindAudio} {
		if t, ok := h.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// EnabledTracks counts tracks currently enabled.
func (h *MediaSourceHandle) EnabledTracks() int {
	n := 0
	for _, t := range h.Tracks() {
		if t.Enabled() {
			n++
		}
	}
	return n
}

func (h *MediaSourceHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release is shorthand for the owning manager's Release.
func (h *MediaSourceHandle) Release() {
	h.manager.Release(h)
}

func (h *MediaSourceHandle) track(kind domain.MediaKind) (ports.MediaTrack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, domain.ErrHandleReleased
	}
	t, ok := h.tracks[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, domain.ErrTrackNotFound)
	}
	return t, nil
}

// DeviceManager enumerates and acquires capture devices through a platform.
type DeviceManager struct {
	platform ports.MediaPlatform
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	busy bool
	held *MediaSourceHandle
}

func NewDeviceManager(platform ports.MediaPlatform, logger *zap.SugaredLogger) *DeviceManager {
	return &DeviceManager{
		platform: platform,
		logger:   logger,
	}
}

// ListDevices returns cameras and microphones.
func (m *DeviceManager) ListDevices(ctx context.Context) ([]domain.DeviceDescriptor, []domain.DeviceDescriptor, error) {
	devices, err := m.platform.EnumerateDevices(ctx)
	if err != nil {
		return nil, nil, &domain.DeviceEnumerationError{Cause: err}
	}

	var cameras, microphones []domain.DeviceDescriptor
	for _, d := range devices {
		switch d.Kind {
		case domain.DeviceVideoInput:
			cameras = append(cameras, d)
		case domain.DeviceAudioInput:
			microphones = append(microphones, d)
		}
	}
	return cameras, microphones, nil
}

// Acquire opens the capture stream. It fails fast with hardware_busy while
// another handle is held or being acquired.
func (m *DeviceManager) Acquire(ctx context.Context, cfg domain.CaptureConfig) (*MediaSourceHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil, &domain.DeviceAcquisitionError{Reason: domain.AcquisitionHardwareBusy}
	}
	m.busy = true
	m.mu.Unlock()

	handle, err := m.open(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.busy = false
		return nil, err
	}
	m.held = handle

	m.logger.Infow("media source acquired",
		"handle_id", handle.ID,
		"video", cfg.WantVideo,
		"audio", cfg.WantAudio,
		"camera_id", cfg.CameraID,
		"microphone_id", cfg.MicrophoneID,
	)
	return handle, nil
}

func (m *DeviceManager) open(ctx context.Context, cfg domain.CaptureConfig) (*MediaSourceHandle, error) {
	stream, err := m.platform.Open(ctx, cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.DeviceAcquisitionError{Reason: acquisitionReason(err), Cause: err}
	}

	tracks := make(map[domain.MediaKind]ports.MediaTrack)
	var extra []ports.MediaTrack
	wanted := map[domain.MediaKind]bool{domain.KindVideo: cfg.WantVideo, domain.KindAudio: cfg.WantAudio}
	for _, t := range stream.Tracks() {
		if _, dup := tracks[t.Kind()]; dup || !wanted[t.Kind()] {
			extra = append(extra, t)
			continue
		}
		tracks[t.Kind()] = t
	}
	stopTracks(extra)

	all := make([]ports.MediaTrack, 0, len(tracks))
	for _, t := range tracks {
		all = append(all, t)
	}

	// Closed while acquiring: nothing may leak.
	if err := ctx.Err(); err != nil {
		stopTracks(all)
		return nil, err
	}

	for _, kind := range cfg.WantedKinds() {
		if _, ok := tracks[kind]; !ok {
			stopTracks(all)
			return nil, &domain.DeviceAcquisitionError{
				Reason: domain.AcquisitionNotFound,
				Cause:  fmt.Errorf("no %s track", kind),
			}
		}
	}

	for _, t := range all {
		if err := t.SetEnabled(true); err != nil {
			stopTracks(all)
			return nil, &domain.DeviceAcquisitionError{Reason: domain.AcquisitionHardwareBusy, Cause: err}
		}
	}

	return &MediaSourceHandle{
		ID:      domain.HandleID(uuid.New().String()),
		Config:  cfg,
		manager: m,
		tracks:  tracks,
	}, nil
}

// SetTrackEnabled mutes or unmutes one track of a held source.
func (m *DeviceManager) SetTrackEnabled(handle *MediaSourceHandle, kind domain.MediaKind, enabled bool) error {
	if handle == nil {
		return domain.ErrHandleReleased
	}
	track, err := handle.track(kind)
	if err != nil {
		return err
	}
	if err := track.SetEnabled(enabled); err != nil {
		return fmt.Errorf("set %s enabled=%v: %w", kind, enabled, err)
	}

	m.logger.Debugw("track toggled", "handle_id", handle.ID, "kind", kind, "enabled", enabled)
	return nil
}

// Release stops every track once and frees the hardware. Safe to call any
// number of times.
func (m *DeviceManager) Release(handle *MediaSourceHandle) {
	if handle == nil {
		return
	}

	handle.mu.Lock()
	if handle.released {
		handle.mu.Unlock()
		return
	}
	handle.released = true
	tracks := make([]ports.MediaTrack, 0, len(handle.tracks))
	for _, t := range handle.tracks {
		tracks = append(tracks, t)
	}
	handle.mu.Unlock()

	stopTracks(tracks)

	m.mu.Lock()
	if m.held == handle {
		m.held = nil
		m.busy = false
	}
	m.mu.Unlock()

	m.logger.Infow("media source released", "handle_id", handle.ID)
}

// Held returns the currently held handle, if any.
func (m *DeviceManager) Held() *MediaSourceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func acquisitionReason(err error) domain.AcquisitionReason {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.AcquisitionPermissionDenied
	case errors.Is(err, domain.ErrDeviceNotFound):
		return domain.AcquisitionNotFound
	default:
		return domain.AcquisitionHardwareBusy
	}
}

func stopTracks(tracks []ports.MediaTrack) {
	for _, t := range tracks {
		_ = t.Stop()
	}
}
