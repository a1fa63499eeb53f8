package engine

import (
	"errors"
	"fmt"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// SuspensionError is the distinguished signal raised when a node pauses the
// run on a pending approval. It is not a failure: the run controller
// recognizes it and leaves the session in its waiting status instead of
// marking it failed.
type SuspensionError struct {
	ApprovalID string
	Type       schema.ApprovalType
	NodeID     string
}

func (e *SuspensionError) Error() string {
	return fmt.Sprintf("[%s] node %s suspended on %s approval %s",
		schema.ErrCodeSuspended, e.NodeID, e.Type, e.ApprovalID)
}

// AsSuspension extracts a SuspensionError from an error chain.
func AsSuspension(err error) (*SuspensionError, bool) {
	var s *SuspensionError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}
