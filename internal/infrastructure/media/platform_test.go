package media

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"livecore/internal/core/domain"
	rtc "livecore/internal/infrastructure/webrtc"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"eacces", fmt.Errorf("open /dev/video0: %w", syscall.EACCES), domain.ErrPermissionDenied},
		{"ebusy", fmt.Errorf("open /dev/video0: %w", syscall.EBUSY), domain.ErrDeviceBusy},
		{"enodev", fmt.Errorf("open /dev/video9: %w", syscall.ENODEV), domain.ErrDeviceNotFound},
		{"no driver", errors.New("failed to find the best driver that fits the constraints"), domain.ErrDeviceNotFound},
		{"busy text", errors.New("Device or resource busy"), domain.ErrDeviceBusy},
		{"permission text", errors.New("microphone: permission denied by policy"), domain.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyError(tt.err), tt.want)
		})
	}

	plain := errors.New("encoder crashed")
	assert.Equal(t, plain, classifyError(plain))
}

func TestConstraintsFollowCaptureConfig(t *testing.T) {
	cfg := domain.CaptureConfig{
		WantVideo:        true,
		CameraID:         "cam-1",
		TargetResolution: domain.Resolution{Width: 1280, Height: 720},
		TargetFrameRate:  30,
	}
	c := constraints(cfg, nil)
	require.NotNil(t, c.Video)
	assert.Nil(t, c.Audio)

	var video mediadevices.MediaTrackConstraints
	c.Video(&video)
	assert.Equal(t, prop.String("cam-1"), video.DeviceID)
	assert.Equal(t, prop.Int(1280), video.Width)
	assert.Equal(t, prop.Int(720), video.Height)
	assert.Equal(t, prop.Float(30), video.FrameRate)

	c = constraints(domain.CaptureConfig{WantAudio: true}, nil)
	assert.Nil(t, c.Video)
	require.NotNil(t, c.Audio)

	var audio mediadevices.MediaTrackConstraints
	c.Audio(&audio)
	assert.Nil(t, audio.DeviceID, "default microphone")
	assert.Equal(t, prop.Int(48000), audio.SampleRate)
}

type bitrateController struct {
	bitrates  []int
	keyframes int
}

func (c *bitrateController) SetBitRate(bps int) error {
	c.bitrates = append(c.bitrates, bps)
	return nil
}

func (c *bitrateController) ForceKeyFrame() error {
	c.keyframes++
	return nil
}

type fakeRTPReadCloser struct {
	pkts     []*rtp.Packet
	released int
	ctrl     codec.EncoderController
	closed   bool
}

func (r *fakeRTPReadCloser) Read() ([]*rtp.Packet, func(), error) {
	if r.closed {
		return nil, nil, errors.New("closed")
	}
	return r.pkts, func() { r.released++ }, nil
}

func (r *fakeRTPReadCloser) Close() error {
	r.closed = true
	return nil
}

func (r *fakeRTPReadCloser) Controller() codec.EncoderController { return r.ctrl }

func TestRTPReaderCopiesBeforeRelease(t *testing.T) {
	src := &rtp.Packet{Header: rtp.Header{SequenceNumber: 5}, Payload: []byte{1, 2, 3}}
	inner := &fakeRTPReadCloser{pkts: []*rtp.Packet{src}}
	r := &rtpReader{inner: inner}

	pkts, err := r.ReadPackets()
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, 1, inner.released)

	src.Payload[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, pkts[0].Payload)

	require.NoError(t, r.Close())
	_, err = r.ReadPackets()
	assert.Error(t, err)
}

func TestRTPReaderControls(t *testing.T) {
	ctrl := &bitrateController{}
	r := &rtpReader{inner: &fakeRTPReadCloser{ctrl: ctrl}}

	require.NoError(t, r.SetBitrate(800_000))
	require.NoError(t, r.ForceKeyFrame())
	assert.Equal(t, []int{800_000}, ctrl.bitrates)
	assert.Equal(t, 1, ctrl.keyframes)

	bare := &rtpReader{inner: &fakeRTPReadCloser{}}
	assert.ErrorIs(t, bare.SetBitrate(1), rtc.ErrNotControllable)
	assert.ErrorIs(t, bare.ForceKeyFrame(), rtc.ErrNotControllable)
}
