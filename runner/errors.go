package runner

import (
	"errors"

	"github.com/pokemon-ai/multirunner/runner/linechan"
)

var (
	// ErrChannelClosed is returned when writing to a channel after teardown.
	ErrChannelClosed = linechan.ErrChannelClosed

	// ErrStartFailed means an engine could not create or start a session.
	ErrStartFailed = errors.New("session start failed")

	// ErrMalformedCount means the repetition count line was not an integer.
	ErrMalformedCount = errors.New("malformed repetition count")

	// ErrRelayFailure means a relay hit an unexpected read or write error.
	ErrRelayFailure = errors.New("relay failure")
)
