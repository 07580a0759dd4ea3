package message

import (
	"errors"

	"github.com/felo/eml-store/internal/stream"
)

var (
	// ErrInvalidConfiguration reports invalid construction arguments.
	ErrInvalidConfiguration = errors.New("invalid message configuration")

	// ErrContentRead reports a failure draining content while copying a message.
	ErrContentRead = errors.New("failed to read message content")

	// ErrContentUnavailable reports that the content store could not supply
	// the content of an existing message.
	ErrContentUnavailable = errors.New("message content unavailable")

	// ErrContentConsumed is returned when one-shot content is opened twice.
	ErrContentConsumed = errors.Join(ErrContentUnavailable, errors.New("one-shot content already consumed"))

	// ErrTruncatedStream reports that the content ended before the body start
	// offset, meaning the stored size or offset disagrees with the stored bytes.
	ErrTruncatedStream = stream.ErrTruncated
)
