package webrtc

import (
	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Factory builds pion-backed peer connections sharing one API.
type Factory struct {
	api    *webrtc.API
	config Config
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(config Config, populate CodecPopulator, logger *zap.SugaredLogger) (*Factory, error) {
	api, err := NewAPI(config, populate)
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, config: config, logger: logger}, nil
}

func (f *Factory) NewPeerConnection(role domain.Role) (ports.PeerConnection, error) {
	if !role.Valid() {
		return nil, domain.ErrWrongRole
	}
	return newPeerConnection(f.api, f.config, role, f.logger.With("role", role))
}
