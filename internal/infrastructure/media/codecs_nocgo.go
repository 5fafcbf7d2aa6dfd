//go:build !cgo

package media

import "github.com/pion/mediadevices"

// Without cgo there are no drivers or encoders to select.
func newCodecSelector(opts Options) (*mediadevices.CodecSelector, error) {
	return mediadevices.NewCodecSelector(), nil
}
