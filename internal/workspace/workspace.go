package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
)

// StateDir holds orchestrator bookkeeping inside the working directory.
const StateDir = ".texstream"

// Manager handles the working directory of one session.
type Manager struct {
	baseDir string
	job     string
	dir     string
	logger  *slog.Logger
}

// NewManager creates a manager for a new working directory under baseDir
// (the system temp directory when empty).
func NewManager(baseDir, job string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir, job: job, logger: slog.Default()}
}

// Open attaches to an existing working directory. A missing directory is a
// remote error; the next source change may succeed after a fresh bootstrap.
func Open(dir, job string) (*Manager, error) {
	if !strings.HasPrefix(filepath.Base(dir), prefix(job)) {
		return nil, ferrors.ValidationError("not a texstream working directory").
			WithContext("path", dir).
			WithContext("job", job).
			Build()
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.WrapError(err, ferrors.CategoryRemote, "working directory vanished").
				OnNextChange().
				WithContext("path", dir).
				Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryRemote, "stat working directory").Build()
	}
	if !info.IsDir() {
		return nil, ferrors.RemoteError("working directory is not a directory").
			WithContext("path", dir).
			Build()
	}
	return &Manager{baseDir: filepath.Dir(dir), job: job, dir: dir, logger: slog.Default()}, nil
}

// WithLogger sets the logger for lifecycle messages.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

func prefix(job string) string {
	return fmt.Sprintf("texstream-%s-", job)
}

// Create makes a fresh working directory with its state subdirectory.
func (m *Manager) Create() error {
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return ferrors.WrapError(err, ferrors.CategorySetup, "create workspace base directory").
			WithContext("path", m.baseDir).
			Build()
	}
	dir, err := os.MkdirTemp(m.baseDir, prefix(m.job)+"*")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategorySetup, "create working directory").
			WithContext("path", m.baseDir).
			Build()
	}
	m.dir = dir
	if _, err := m.CreateSubdir(StateDir); err != nil {
		return err
	}
	m.logger.Info("Created workspace", logfields.Workdir(dir), logfields.Job(m.job))
	return nil
}

// Path returns the working directory, empty before Create.
func (m *Manager) Path() string {
	return m.dir
}

// StatePath joins name onto the state subdirectory.
func (m *Manager) StatePath(name string) string {
	return filepath.Join(m.dir, StateDir, name)
}

// Cleanup removes the working directory.
func (m *Manager) Cleanup() error {
	if m.dir == "" {
		return nil
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "cleanup workspace").
			WithContext("path", m.dir).
			Build()
	}
	m.logger.Info("Cleaned up workspace", logfields.Workdir(m.dir))
	m.dir = ""
	return nil
}

// CreateSubdir creates a subdirectory within the working directory.
func (m *Manager) CreateSubdir(name string) (string, error) {
	if m.dir == "" {
		return "", ferrors.InternalError("workspace not created").Build()
	}
	subdir := filepath.Join(m.dir, name)
	if err := os.MkdirAll(subdir, 0o750); err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryFileSystem, "create subdirectory").
			WithContext("path", subdir).
			Build()
	}
	return subdir, nil
}
