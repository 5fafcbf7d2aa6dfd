package domain

import "fmt"

type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

func (k MediaKind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

type DeviceKind string

const (
	DeviceVideoInput DeviceKind = "videoinput"
	DeviceAudioInput DeviceKind = "audioinput"
)

type DeviceDescriptor struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// CaptureConfig describes what the publisher wants to capture. Empty device
// ids select the platform default.
type CaptureConfig struct {
	WantVideo        bool       `json:"want_video"`
	WantAudio        bool       `json:"want_audio"`
	CameraID         string     `json:"camera_id,omitempty"`
	MicrophoneID     string     `json:"microphone_id,omitempty"`
	TargetResolution Resolution `json:"target_resolution"`
	TargetFrameRate  float64    `json:"target_frame_rate"`
}

func (c CaptureConfig) Validate() error {
	if !c.WantVideo && !c.WantAudio {
		return fmt.Errorf("capture config: at least one of video or audio must be requested")
	}
	if c.TargetResolution.Width < 0 || c.TargetResolution.Height < 0 {
		return fmt.Errorf("capture config: invalid resolution %s", c.TargetResolution)
	}
	if c.TargetFrameRate < 0 {
		return fmt.Errorf("capture config: invalid frame rate %v", c.TargetFrameRate)
	}
	return nil
}

// WantedKinds returns the requested kinds, video first.
func (c CaptureConfig) WantedKinds() []MediaKind {
	kinds := make([]MediaKind, 0, 2)
	if c.WantVideo {
		kinds = append(kinds, KindVideo)
	}
	if c.WantAudio {
		kinds = append(kinds, KindAudio)
	}
	return kinds
}
