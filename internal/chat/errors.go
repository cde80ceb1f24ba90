package chat

import "errors"

var (
	// ErrNotConnected means an operation required a live transport.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidChannel means a channel id was not a positive integer.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrEmptyMessage means a send or edit carried no content.
	ErrEmptyMessage = errors.New("empty message")
	// ErrBodyTooLong means a message body exceeded the 200 character limit.
	ErrBodyTooLong = errors.New("message body too long")
	// ErrInvalidFileType means an attachment extension is not allow-listed.
	ErrInvalidFileType = errors.New("invalid file type")
	// ErrConnectionClosed fails pending requests when the socket drops.
	ErrConnectionClosed = errors.New("connection closed")
)
