package protocol

import "errors"

// Error is a struct to hold the code, message, and retriability status
type Error struct {
	Code        int16
	Message     string
	IsRetriable bool
}

func (e Error) Error() string {
	return e.Message
}

// Protocol errors. Retriable ones are connectivity faults: the caller invalidates
// what it knows about the broker and tries again.
var (
	ErrEmptyPost           = Error{Code: 1, Message: "empty post: no packets to reassemble", IsRetriable: false}
	ErrInconsistentStream  = Error{Code: 2, Message: "inconsistent stream: packets do not belong to the announced post", IsRetriable: false}
	ErrUnexpectedObject    = Error{Code: 3, Message: "unexpected object on the wire", IsRetriable: false}
	ErrUnknownRequestType  = Error{Code: 4, Message: "unknown request type", IsRetriable: false}
	ErrMalformedFrame      = Error{Code: 5, Message: "malformed frame", IsRetriable: false}
	ErrFrameTooLarge       = Error{Code: 6, Message: "frame exceeds the maximum frame size", IsRetriable: false}
	ErrTopicAlreadyExists  = Error{Code: 7, Message: "topic with this name already exists", IsRetriable: false}
	ErrBrokerNotAvailable  = Error{Code: 8, Message: "the broker is not available", IsRetriable: true}
	ErrNetworkException    = Error{Code: 13, Message: "the connection broke before the exchange completed", IsRetriable: true}
	ErrPublishNotCompleted = Error{Code: 14, Message: "the broker did not acknowledge the publish", IsRetriable: true}
)

// IsRetriable reports whether err wraps a retriable protocol Error
func IsRetriable(err error) bool {
	var pe Error
	return errors.As(err, &pe) && pe.IsRetriable
}
