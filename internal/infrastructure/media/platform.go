// Package media implements the capture platform on pion/mediadevices.
// Camera and microphone drivers and the VP8/Opus encoders need cgo; without
// it the platform lists no devices and every open fails with not found.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Options tune the encoders behind every captured track.
type Options struct {
	VideoBitrate     int // bps
	KeyFrameInterval int
	AudioBitrate     int // bps
}

func DefaultOptions() Options {
	return Options{
		VideoBitrate:     2_500_000,
		KeyFrameInterval: 60,
		AudioBitrate:     96_000,
	}
}

var (
	videoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	audioCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

// Platform is a ports.MediaPlatform backed by the host's capture devices.
type Platform struct {
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger
}

var _ ports.MediaPlatform = (*Platform)(nil)

func NewPlatform(opts Options, logger *zap.SugaredLogger) (*Platform, error) {
	selector, err := newCodecSelector(opts)
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}
	return &Platform{selector: selector, logger: logger}, nil
}

// Populate registers the encoders' codecs on a media engine so negotiated
// payload types match what the tracks produce.
func (p *Platform) Populate(m *webrtc.MediaEngine) error {
	p.selector.Populate(m)
	return nil
}

func (p *Platform) EnumerateDevices(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.DeviceDescriptor
	for _, info := range mediadevices.EnumerateDevices() {
		var kind domain.DeviceKind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = domain.DeviceVideoInput
		case mediadevices.AudioInput:
			kind = domain.DeviceAudioInput
		default:
			continue
		}
		out = append(out, domain.DeviceDescriptor{ID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	return out, nil
}

// Open captures the requested devices. The drivers give no way to abandon
// an open in flight, so a cancelled ctx returns at once and the late stream
// is closed when it arrives.
func (p *Platform) Open(ctx context.Context, cfg domain.CaptureConfig) (ports.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints(cfg, p.selector))
		done <- result{stream, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classifyError(res.err)
		}
		return wrapStream(res.stream), nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				closeAll(res.stream)
				p.logger.Debugw("closed capture opened after cancellation")
			}
		}()
		return nil, ctx.Err()
	}
}

func constraints(cfg domain.CaptureConfig, selector *mediadevices.CodecSelector) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{Codec: selector}
	if cfg.WantVideo {
		c.Video = func(t *mediadevices.MediaTrackConstraints) {
			if cfg.CameraID != "" {
				t.DeviceID = prop.String(cfg.CameraID)
			}
			t.FrameFormat = prop.FrameFormat(frame.FormatI420)
			if cfg.TargetResolution.Width > 0 {
				t.Width = prop.Int(cfg.TargetResolution.Width)
			}
			if cfg.TargetResolution.Height > 0 {
				t.Height = prop.Int(cfg.TargetResolution.Height)
			}
			if cfg.TargetFrameRate > 0 {
				t.FrameRate = prop.Float(cfg.TargetFrameRate)
			}
		}
	}
	if cfg.WantAudio {
		c.Audio = func(t *mediadevices.MediaTrackConstraints) {
			if cfg.MicrophoneID != "" {
				t.DeviceID = prop.String(cfg.MicrophoneID)
			}
			t.SampleRate = prop.Int(48000)
			t.ChannelCount = prop.Int(2)
			t.Latency = prop.Duration(20 * time.Millisecond)
		}
	}
	return c
}

// classifyError maps driver failures onto the platform errors the device
// manager understands. Anything unrecognised passes through unchanged.
func classifyError(err error) error {
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %v", domain.ErrDeviceBusy, err)
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", domain.ErrDeviceBusy, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}
	return err
}
