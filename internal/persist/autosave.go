package persist

import (
	"log"
	"os"
	"path/filepath"
)

// Autosaver overwrites a single UTF-8 text file with the document's
// current projection: after every threshold local edits, and immediately
// on a state install. Write failures are logged and otherwise ignored;
// the document keeps going in memory.
type Autosaver struct {
	path      string
	threshold int
	edits     int
	logger    *log.Logger
}

// NewAutosaver writes peer's text to <dir>/<peer>.txt. threshold <= 0
// disables the edit-count trigger (installs still write).
func NewAutosaver(dir string, peer string, threshold int, logger *log.Logger) *Autosaver {
	if logger == nil {
		logger = log.Default()
	}
	return &Autosaver{
		path:      filepath.Join(dir, peer+".txt"),
		threshold: threshold,
		logger:    logger,
	}
}

// EditApplied records one local edit and writes the projection once the
// threshold is reached.
func (a *Autosaver) EditApplied(text string) {
	if a.threshold <= 0 {
		return
	}
	a.edits++
	if a.edits < a.threshold {
		return
	}
	a.edits = 0
	a.write(text)
}

// Installed writes the projection unconditionally, after a state
// transfer replaced the document.
func (a *Autosaver) Installed(text string) {
	a.edits = 0
	a.write(text)
}

// Path reports the autosave file location.
func (a *Autosaver) Path() string { return a.path }

func (a *Autosaver) write(text string) {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		a.logger.Printf("autosave: mkdir %s: %v", filepath.Dir(a.path), err)
		return
	}
	if err := os.WriteFile(a.path, []byte(text), 0o644); err != nil {
		a.logger.Printf("autosave: write %s: %v", a.path, err)
	}
}
