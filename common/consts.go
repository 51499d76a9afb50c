package common

import "time"

const (
	// DefaultTimeout is the time budget for a command when the caller's
	// context carries no deadline.
	DefaultTimeout time.Duration = 30 * time.Second

	// DefaultLaunchTimeout bounds browser startup and the initial
	// connection handshake.
	DefaultLaunchTimeout time.Duration = 30 * time.Second
)
