package types

import "errors"

// Error taxonomy for the signaling core. Pool errors are fatal to the
// process; room init errors abort a single admission; command errors are
// returned to the requesting socket as an {error} envelope and never
// disconnect it.
var (
	ErrWorkerInit           = errors.New("worker pool failed to start")
	ErrRoomInit             = errors.New("room media initialization failed")
	ErrDuplicateParticipant = errors.New("participant already present in room")
	ErrAlreadyJoined        = errors.New("participant already joined")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrCannotConsume        = errors.New("cannot consume producer")
	ErrRoomReconfiguring    = errors.New("room is reconfiguring media")
	ErrUnknownAction        = errors.New("unknown media action")
	ErrRequestTimeout       = errors.New("client request timed out")
	ErrRoomClosed           = errors.New("room is closed")
)
