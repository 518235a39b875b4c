package chat

import "errors"

// Validation and authorization failures surface synchronously to the
// sender. Storage failures are wrapped so callers can unwrap the
// backend sentinel. Per-connection delivery failures never reach the
// sender at all, they are logged and skipped at the fan-out boundary.
var (
	ErrBadRoomName   = errors.New("malformed room name")
	ErrBadKind       = errors.New("unsupported message kind")
	ErrNotAuthorized = errors.New("sender is not authorized for target")
	ErrNoTarget      = errors.New("message has no target")
)
