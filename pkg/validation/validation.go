package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode/utf8"
)

var (
	// IDRegex covers stream, session and peer ids: uuids or url-safe slugs.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxIDLength = 100

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	return validateID("stream ID", streamID)
}

// ValidateSessionID validates a transport session ID
func ValidateSessionID(sessionID string) error {
	return validateID("session ID", sessionID)
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	return validateID("peer ID", peerID)
}

// ValidateDeviceID accepts any printable platform id. An empty id means the
// default device.
func ValidateDeviceID(deviceID string) error {
	if !utf8.ValidString(deviceID) {
		return fmt.Errorf("device ID contains invalid characters")
	}
	return ValidateStringLength(deviceID, 0, 256, "device ID")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSignalURL only accepts WebSocket endpoints.
func ValidateSignalURL(urlStr string) error {
	if err := ValidateURL(urlStr); err != nil {
		return err
	}
	u, _ := url.Parse(urlStr)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signal URL must use ws or wss")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
