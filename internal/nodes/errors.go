package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/wire"
)

var (
	// ErrConnectionTimeout is returned when dial and handshake miss their deadline
	ErrConnectionTimeout = errors.New("nodes: connection timed out")

	// ErrNodeIDMismatch is returned when the authenticated peer is not one of the candidates
	ErrNodeIDMismatch = errors.New("nodes: authenticated node id is not a candidate")

	// ErrNoConnection is returned when no live connection to the node exists
	ErrNoConnection = errors.New("nodes: no connection to node")

	// ErrConnectionClosed is observed by scoped operations whose connection was destroyed
	ErrConnectionClosed = errors.New("nodes: connection closed")

	// ErrManagerStopped is returned by every operation after Stop
	ErrManagerStopped = errors.New("nodes: manager stopped")

	// ErrSignalingUnavailable is returned when the signaler cannot relay to the target
	ErrSignalingUnavailable = errors.New("nodes: signaling unavailable")

	// ErrNodeNotFound is returned when a lookup exhausts all contacts
	ErrNodeNotFound = errors.New("nodes: node not found")

	// ErrInvalidSignature is returned for signaling messages failing verification
	ErrInvalidSignature = errors.New("nodes: invalid signature")
)

// remoteError maps an error returned by a peer onto the local sentinels
func remoteError(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch wire.CodeOf(err) {
	case constants.ErrorSignalingUnavailable:
		sentinel = ErrSignalingUnavailable
	case constants.ErrorInvalidSignature:
		sentinel = ErrInvalidSignature
	case constants.ErrorNodeNotFound:
		sentinel = ErrNodeNotFound
	case constants.ErrorNoConnection:
		sentinel = ErrNoConnection
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			sentinel = ErrConnectionTimeout
		}
	}
	if sentinel == nil {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// wireError maps a local failure onto the code sent to the peer
func wireError(err error) error {
	var werr *wire.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &werr):
		return werr
	case errors.Is(err, ErrSignalingUnavailable):
		return wire.NewError(constants.ErrorSignalingUnavailable, err.Error())
	case errors.Is(err, ErrInvalidSignature):
		return wire.NewError(constants.ErrorInvalidSignature, err.Error())
	case errors.Is(err, ErrNodeNotFound):
		return wire.NewError(constants.ErrorNodeNotFound, err.Error())
	case errors.Is(err, ErrNoConnection):
		return wire.NewError(constants.ErrorNoConnection, err.Error())
	default:
		return err
	}
}
