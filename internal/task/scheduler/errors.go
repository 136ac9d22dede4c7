package scheduler

import "errors"

var (
	ErrNilTask             = errors.New("task is nil")
	ErrNameRequired        = errors.New("task name required")
	ErrInvalidInterval     = errors.New("task interval must be > 0")
	ErrWorkRequired        = errors.New("task work function required")
	ErrUnsupportedStrategy = errors.New("scheduling strategy not supported")
	ErrDuplicateName       = errors.New("task with this name already registered")
	ErrLockTimeout         = errors.New("timed out waiting for pending index lock")
)
