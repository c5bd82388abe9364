package incident

import "errors"

var (
	// ErrMissingID is returned when a submission carries no external id.
	ErrMissingID = errors.New("missing incident id")

	// ErrInvalidStatus is returned when a status update names an unknown status.
	ErrInvalidStatus = errors.New("invalid incident status")
)
