package authority

import "errors"

// Federation transport errors.
var (
	// ErrUnavailable indicates the authority could not be reached.
	ErrUnavailable = errors.New("authority: unavailable")
	// ErrUnauthorized indicates the authority rejected the session token.
	ErrUnauthorized = errors.New("authority: unauthorized")
	// ErrInvalidResponse indicates the authority answered with a payload
	// that could not be decoded.
	ErrInvalidResponse = errors.New("authority: invalid response")
)

// Merge request validation errors.
var (
	// ErrRequestMissingAgent indicates the request is missing the agent id.
	ErrRequestMissingAgent = errors.New("merge request: missing agent_id")
	// ErrRequestMissingRepo indicates the request is missing the repo id.
	ErrRequestMissingRepo = errors.New("merge request: missing repo_id")
	// ErrRequestMissingStream indicates the request is missing the stream id.
	ErrRequestMissingStream = errors.New("merge request: missing stream_id")
)
