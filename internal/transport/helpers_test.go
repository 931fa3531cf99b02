package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-texstream")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}
