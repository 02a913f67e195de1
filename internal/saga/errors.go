package saga

import "errors"

var (
	ErrSagaNotFound         = errors.New("saga not found")
	ErrSagaConflict         = errors.New("active saga already exists for correlation key")
	ErrSagaAlreadyCompleted = errors.New("saga already completed")
	ErrSagaForceStopped     = errors.New("saga force stopped")
	ErrUnknownWorkflow      = errors.New("unknown workflow")
	ErrInvalidWorkflow      = errors.New("invalid workflow definition")
	ErrDuplicateStep        = errors.New("duplicate step registration")
	ErrPayloadDecode        = errors.New("decode saga payload")
	ErrCorrelationKey       = errors.New("correlation key")
)
