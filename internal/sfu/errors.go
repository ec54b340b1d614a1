package sfu

import (
	"errors"
	"fmt"
)

// ErrorKind tells the signaling layer how to react to a failed peer
// operation.
type ErrorKind int

const (
	// ErrKindFatal: the peer is unusable, remove it.
	ErrKindFatal ErrorKind = iota
	// ErrKindTransient: the operation failed but the peer may recover.
	ErrKindTransient
	// ErrKindPeerClosed: the peer went away mid-operation, ignore.
	ErrKindPeerClosed
)

var (
	ErrPeerNotFound  = errors.New("peer not found")
	ErrPeerNotActive = errors.New("peer not in active state")
)

// PeerError carries the failing peer and operation alongside the kind.
type PeerError struct {
	Kind   ErrorKind
	PeerID string
	Op     string
	Err    error
}

func (e *PeerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed for peer %s", e.Op, e.PeerID)
	}
	return fmt.Sprintf("%s failed for peer %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

func NewFatalError(peerID, op string, err error) *PeerError {
	return &PeerError{Kind: ErrKindFatal, PeerID: peerID, Op: op, Err: err}
}

func NewTransientError(peerID, op string, err error) *PeerError {
	return &PeerError{Kind: ErrKindTransient, PeerID: peerID, Op: op, Err: err}
}

// NewPeerClosedError wraps ErrPeerNotActive so errors.Is keeps working
// on the classified error.
func NewPeerClosedError(peerID, op string) *PeerError {
	return &PeerError{Kind: ErrKindPeerClosed, PeerID: peerID, Op: op, Err: ErrPeerNotActive}
}
