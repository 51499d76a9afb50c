package common

import "errors"

// Sentinel errors returned by the protocol client. Command-level protocol
// errors are surfaced as *cdproto.Error and carry the browser's own
// {code, message} payload.
var (
	// ErrConnectionClosed is returned by every outstanding and future
	// command once the underlying WebSocket is torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCommandTimeout is returned when the browser does not answer a
	// command within its time budget. The connection stays usable.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrProcessUnavailable is returned when the browser process cannot
	// be reached while creating a session or discovering targets.
	ErrProcessUnavailable = errors.New("browser process unavailable")

	// ErrDefaultContext is returned when trying to dispose the default
	// browser context, which the browser does not allow.
	ErrDefaultContext = errors.New("cannot dispose the default browser context")

	// ErrTargetCrashed is returned for commands against a crashed target.
	ErrTargetCrashed = errors.New("target has crashed")
)
