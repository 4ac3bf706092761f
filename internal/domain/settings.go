package domain

import (
	"time"

	"github.com/google/uuid"
)

// Resolution represents a preferred video resolution
type Resolution string

const (
	Resolution360p  Resolution = "360p"
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
)

// Default call settings values
const (
	DefaultVideoBitrateKbps = 1500
)

// CallSettings holds one user's preferred call configuration. A record is
// created lazily with defaults on first access and updated by partial merge.
type CallSettings struct {
	UserID              uuid.UUID  `json:"userId"`
	EchoCancellation    bool       `json:"echoCancellation"`
	NoiseSuppression    bool       `json:"noiseSuppression"`
	AutoGainControl     bool       `json:"autoGainControl"`
	VideoBitrate        int        `json:"videoBitrate"`
	PreferredResolution Resolution `json:"preferredResolution"`
	AudioDeviceID       *string    `json:"audioDeviceId,omitempty"`
	VideoDeviceID       *string    `json:"videoDeviceId,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// DefaultCallSettings returns the settings a user starts with.
func DefaultCallSettings(userID uuid.UUID) CallSettings {
	return CallSettings{
		UserID:              userID,
		EchoCancellation:    true,
		NoiseSuppression:    true,
		AutoGainControl:     true,
		VideoBitrate:        DefaultVideoBitrateKbps,
		PreferredResolution: Resolution720p,
		UpdatedAt:           time.Now().UTC(),
	}
}

// CallSettingsPatch carries a partial settings update; nil fields are left
// untouched by Merge.
type CallSettingsPatch struct {
	EchoCancellation    *bool       `json:"echoCancellation,omitempty"`
	NoiseSuppression    *bool       `json:"noiseSuppression,omitempty"`
	AutoGainControl     *bool       `json:"autoGainControl,omitempty"`
	VideoBitrate        *int        `json:"videoBitrate,omitempty"`
	PreferredResolution *Resolution `json:"preferredResolution,omitempty"`
	AudioDeviceID       *string     `json:"audioDeviceId,omitempty"`
	VideoDeviceID       *string     `json:"videoDeviceId,omitempty"`
}

// Merge applies the patch and returns the updated settings.
func (s CallSettings) Merge(p CallSettingsPatch) CallSettings {
	next := s
	if p.EchoCancellation != nil {
		next.EchoCancellation = *p.EchoCancellation
	}
	if p.NoiseSuppression != nil {
		next.NoiseSuppression = *p.NoiseSuppression
	}
	if p.AutoGainControl != nil {
		next.AutoGainControl = *p.AutoGainControl
	}
	if p.VideoBitrate != nil {
		next.VideoBitrate = *p.VideoBitrate
	}
	if p.PreferredResolution != nil {
		next.PreferredResolution = *p.PreferredResolution
	}
	if p.AudioDeviceID != nil {
		next.AudioDeviceID = p.AudioDeviceID
	}
	if p.VideoDeviceID != nil {
		next.VideoDeviceID = p.VideoDeviceID
	}
	next.UpdatedAt = time.Now().UTC()
	return next
}
