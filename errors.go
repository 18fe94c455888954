package main

import (
	"fmt"
)

// A wrappedError is an error wrapped with a location for context.
type wrappedError struct {
	location string
	inner    error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %v", e.location, e.inner)
}

func (e *wrappedError) Unwrap() error { return e.inner }

func (e *wrappedError) Cause() error { return e.inner }

// wrapError returns an error wrapped with a location for context.
func wrapError(e error, loc string) error {
	if e == nil {
		return nil
	}
	if we, ok := e.(*wrappedError); ok {
		return &wrappedError{
			location: loc + ": " + we.location,
			inner:    we.inner,
		}
	}
	return &wrappedError{
		location: loc,
		inner:    e,
	}
}

// wrapErrorf returns an error wrapped with a formatted location for context.
func wrapErrorf(e error, f string, a ...interface{}) error {
	return wrapError(e, fmt.Sprintf(f, a...))
}

func wrapErrorSection(e error, name string) error {
	return wrapErrorf(e, "section %q", name)
}
