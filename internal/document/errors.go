package document

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by lifecycle operations on a disposed document.
	ErrClosed = errors.New("document closed")

	// ErrRevertSuperseded marks a revert discarded because the document
	// changed while the source was being read.
	ErrRevertSuperseded = errors.New("revert superseded by a newer edit")

	// ErrNothingToUndo is returned by Undo and Redo at either end of the
	// history.
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// IOError reports a failure to read or write a document's persisted form.
type IOError struct {
	Op  string
	URI string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URI, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
