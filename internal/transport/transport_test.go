package transport

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

func TestRemoteCommandLineSurvivesShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// "sh remote" runs the script named remote from the working directory.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remote"), []byte(`printf %s "$TEXSTREAM_JOB"`), 0o644))

	for _, in := range []string{"a b", "it's", `"dq" and \ back`, "$(echo nope)", "{x: [1, 2]}", "`id`; rm -rf x"} {
		cmd := exec.Command("sh", "-c", RemoteCommandLine("sh", map[string]string{"TEXSTREAM_JOB": in}))
		cmd.Dir = dir
		out, err := cmd.Output()
		require.NoError(t, err)
		require.Equal(t, in, string(out))
	}
}

func TestRemoteCommandLineSortsEnv(t *testing.T) {
	line := RemoteCommandLine("texstream", map[string]string{
		"TEXSTREAM_JOB":    "my paper",
		"TEXSTREAM_ACTION": "build",
	})
	require.Equal(t, "env TEXSTREAM_ACTION=build 'TEXSTREAM_JOB=my paper' texstream remote", line)
}

func TestSSHArgs(t *testing.T) {
	s := &SSH{Host: "build01", Command: []string{"ssh", "-T"}, RemoteBinary: "/opt/bin/texstream"}
	args := s.Args(Invocation{Env: map[string]string{"TEXSTREAM_FIRST": "1"}})
	require.Equal(t, []string{"ssh", "-T", "build01", "env TEXSTREAM_FIRST=1 /opt/bin/texstream remote"}, args)
	require.True(t, s.Networked())
}

func TestNewSelectsChannel(t *testing.T) {
	ch, err := New(LocalHost, nil, "")
	require.NoError(t, err)
	require.False(t, ch.Networked())

	ch, err = New("build01", []string{"ssh"}, "texstream")
	require.NoError(t, err)
	require.True(t, ch.Networked())

	_, err = New("-oProxyCommand=x", []string{"ssh"}, "texstream")
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestLocalRunPassesEnvAndExitStatus(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := writeScript(t, `#!/bin/sh
[ "$1" = remote ] || exit 9
cat
printf '%s' "$TEXSTREAM_JOB" >&2
exit 4
`)

	var stdout, stderr bytes.Buffer
	l := &Local{Binary: script}
	err := l.Run(context.Background(), Invocation{
		Env:    map[string]string{"TEXSTREAM_JOB": "paper"},
		Stdin:  strings.NewReader("archive-bytes"),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.Equal(t, 4, ExitCode(err))
	require.Equal(t, "archive-bytes", stdout.String())
	require.Equal(t, "paper", stderr.String())
}
