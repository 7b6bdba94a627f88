package control

import "errors"

var (
	// ErrUnknownRequest is returned for a request name other than abort,
	// pause or resume.
	ErrUnknownRequest = errors.New("control: unknown request")

	// ErrInvalidPayload is returned when an MQTT request body is not the
	// expected JSON.
	ErrInvalidPayload = errors.New("control: invalid request payload")
)
