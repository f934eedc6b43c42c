package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoUsableText marks a document without enough extracted text to analyze.
	ErrNoUsableText = errors.New("document has no usable text")
)
