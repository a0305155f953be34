package society

import (
	"errors"
	"fmt"

	"github.com/martinemde/roleplay/llm"
)

// ErrTerminated is returned by Step once the society has been terminated.
var ErrTerminated = errors.New("society terminated")

// TransientAgentError is a failed agent call worth retrying.
type TransientAgentError struct {
	Role llm.Role
	Err  error
}

func (e *TransientAgentError) Error() string {
	return fmt.Sprintf("%s agent (transient): %v", e.Role, e.Err)
}

func (e *TransientAgentError) Unwrap() error { return e.Err }

// FatalAgentError is a failed agent call that ends the run.
type FatalAgentError struct {
	Role llm.Role
	Err  error
}

func (e *FatalAgentError) Error() string {
	return fmt.Sprintf("%s agent (fatal): %v", e.Role, e.Err)
}

func (e *FatalAgentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientAgentError.
func IsTransient(err error) bool {
	var t *TransientAgentError
	return errors.As(err, &t)
}

// IsFatal reports whether err is a FatalAgentError.
func IsFatal(err error) bool {
	var f *FatalAgentError
	return errors.As(err, &f)
}

// classifyAgentError wraps an agent error as transient or fatal. Errors that
// already carry a classification keep it.
func classifyAgentError(role llm.Role, err error) error {
	if IsTransient(err) || IsFatal(err) {
		return err
	}
	if llm.IsRetryable(err) {
		return &TransientAgentError{Role: role, Err: err}
	}
	return &FatalAgentError{Role: role, Err: err}
}
