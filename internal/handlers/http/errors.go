package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"livecore/internal/core/domain"
	"livecore/pkg/errors"
)

// toAppError maps session failures onto API errors. Device, signaling and
// transport failures are retryable: the user may try again.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var (
		acq       *domain.DeviceAcquisitionError
		enum      *domain.DeviceEnumerationError
		signaling *domain.SignalingError
		transport *domain.TransportError
		playback  *domain.PlaybackError
	)

	switch {
	case stderrors.As(err, &acq):
		status := http.StatusConflict
		switch acq.Reason {
		case domain.AcquisitionPermissionDenied:
			status = http.StatusForbidden
		case domain.AcquisitionNotFound:
			status = http.StatusNotFound
		}
		return errors.WrapError(err, errors.ErrCodeDeviceUnavailable, acq.Error(), status).
			WithContext("reason", string(acq.Reason)).
			AsRetryable()
	case stderrors.As(err, &enum):
		return errors.WrapError(err, errors.ErrCodeDeviceUnavailable, enum.Error(), http.StatusServiceUnavailable)
	case stderrors.As(err, &signaling):
		return errors.WrapError(err, errors.ErrCodeSignaling, signaling.Error(), http.StatusBadGateway).
			WithContext("reason", string(signaling.Reason)).
			AsRetryable()
	case stderrors.As(err, &transport):
		return errors.WrapError(err, errors.ErrCodeTransport, transport.Error(), http.StatusBadGateway).
			WithContext("kind", string(transport.Kind)).
			AsRetryable()
	case stderrors.As(err, &playback):
		return errors.WrapError(err, errors.ErrCodePlayback, playback.Error(), http.StatusBadGateway).
			WithContext("kind", string(playback.Kind)).
			AsRetryable()
	case stderrors.Is(err, domain.ErrSessionActive),
		stderrors.Is(err, domain.ErrWrongRole),
		stderrors.Is(err, domain.ErrInvalidTransition),
		stderrors.Is(err, domain.ErrSessionClosed):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrNoActiveSession),
		stderrors.Is(err, domain.ErrSessionNotFound),
		stderrors.Is(err, domain.ErrTrackNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request timed out", http.StatusServiceUnavailable).
			AsRetryable()
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}
