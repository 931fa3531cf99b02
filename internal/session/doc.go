// Package session runs the local side of texstream: an initial upload and
// remote bootstrap, then one build per settled source change until the
// context is canceled. Each build uploads what changed since the freshness
// baseline, receives the output stream into a pending file and promotes it
// to <job>.pdf when the compiler succeeds.
package session
