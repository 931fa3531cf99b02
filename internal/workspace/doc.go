// Package workspace manages the remote working directory of a session.
//
// The directory is created once at bootstrap (texstream-<job>-<random> under
// the configured base directory) and reopened by every later remote
// invocation from its path. Cleanup removes it at teardown. Session state the
// orchestrator keeps between runs lives in the StateDir subdirectory.
package workspace
