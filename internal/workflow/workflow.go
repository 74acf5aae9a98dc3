// internal/workflow/workflow.go
//
// Defines the project-local directory layout used by the engine.
// Everything lives under .stageflow/ next to the project.

package workflow

import (
	"os"
	"path/filepath"
)

// DefaultRootDir is the directory created inside a project.
const DefaultRootDir = ".stageflow"

// Directory names within .stageflow/
const (
	StateDir = "state"
	LogsDir  = "logs"
	TeamDir  = "team"
)

// File names within .stageflow/
const (
	FileConfig    = "config.yaml"
	FileTemplates = "templates.yaml"
	FileWorkers   = "workers.json"
	FileWorkLog   = "work-log.md"
	FileLog       = "stageflow.log"
	FileBadgerDir = "badger"
)

// Workflow manages the engine directory structure
type Workflow struct {
	rootDir string
}

// New creates a new Workflow manager rooted at rootDir (usually
// <project>/.stageflow).
func New(rootDir string) *Workflow {
	return &Workflow{rootDir: rootDir}
}

// Dir returns the base directory path
func (w *Workflow) Dir() string {
	return w.rootDir
}

// ConfigPath returns the path to config.yaml
func (w *Workflow) ConfigPath() string {
	return filepath.Join(w.rootDir, FileConfig)
}

// TemplatesPath returns the path to the template override file
func (w *Workflow) TemplatesPath() string {
	return filepath.Join(w.rootDir, FileTemplates)
}

// StateDir returns the directory holding file-backed session records
func (w *Workflow) StateDir() string {
	return filepath.Join(w.rootDir, StateDir)
}

// BadgerDir returns the directory for the badger store
func (w *Workflow) BadgerDir() string {
	return filepath.Join(w.StateDir(), FileBadgerDir)
}

// TeamDir returns the path to the team directory
func (w *Workflow) TeamDir() string {
	return filepath.Join(w.rootDir, TeamDir)
}

// WorkersPath returns the path to workers.json
func (w *Workflow) WorkersPath() string {
	return filepath.Join(w.TeamDir(), FileWorkers)
}

// LogsDir returns the path to the logs directory
func (w *Workflow) LogsDir() string {
	return filepath.Join(w.rootDir, LogsDir)
}

// LogPath returns the path to the structured log file
func (w *Workflow) LogPath() string {
	return filepath.Join(w.LogsDir(), FileLog)
}

// WorkLogPath returns the path to the human-readable work log
func (w *Workflow) WorkLogPath() string {
	return filepath.Join(w.LogsDir(), FileWorkLog)
}

// Initialize creates the directory structure
func (w *Workflow) Initialize() error {
	dirs := []string{
		w.Dir(),
		w.StateDir(),
		w.TeamDir(),
		w.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Reset removes persisted session state (for starting fresh). Config and
// roster files are kept.
func (w *Workflow) Reset() error {
	return os.RemoveAll(w.StateDir())
}
