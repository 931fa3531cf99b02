// Package history keeps a local sqlite record of session iterations so that
// `texstream history` can show how recent runs went.
package history
