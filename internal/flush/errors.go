package flush

import (
	"errors"
	"fmt"
)

var (
	ErrLoad          = errors.New("load pending events")
	ErrRunInProgress = errors.New("flush run already in progress")
	ErrDisabled      = errors.New("receiver notification disabled")
	ErrLockLost      = errors.New("run lock lost")
)

// RenderError is a template failure for one delivery.
type RenderError struct {
	Key  string
	Lang string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s (%s): %v", e.Key, e.Lang, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
