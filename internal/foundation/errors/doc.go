// Package errors provides foundational, type-safe error primitives used across texstream.
//
// Errors are classified by category (setup, remote, transport, compiler, ...),
// severity and retry strategy. The session loop uses the classification to
// decide whether an error ends the session or only the current iteration.
//
// Example usage:
//
//	err := errors.RemoteError("archive unpack failed").
//		WithContext("workdir", dir).
//		WithCause(originalErr).
//		Build()
package errors
