package signal

import (
	"errors"
	"fmt"
)

var (
	// ErrAttachmentNotFound means a local attachment path does not exist.
	ErrAttachmentNotFound = errors.New("attachment file not found")
	// ErrAttachmentNotFile means the path exists but is not a regular file.
	ErrAttachmentNotFile = errors.New("attachment path is not a file")
	// ErrAttachmentNotReadable means the file exists but cannot be opened.
	ErrAttachmentNotReadable = errors.New("attachment file is not readable")
	// ErrAttachmentTooLarge means an attachment exceeds the size cap, either
	// by filesystem metadata, Content-Length, or bytes actually received.
	ErrAttachmentTooLarge = errors.New("attachment too large")
)

// APIError is a non-success response from the signal-cli-rest-api service.
// It is distinct from transport errors (connection refused, timeout) so
// callers can tell "service rejected the request" from "service unreachable".
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signal api error: %d - %s", e.Status, e.Body)
}
