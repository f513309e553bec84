// Package prompts loads the prompt pack the draft engine sends to the model.
// A pack is a directory holding system.txt and repair.txt; edits to either
// file are picked up without a restart.
package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	systemFile = "system.txt"
	repairFile = "repair.txt"
)

// Pack holds the current prompt texts. Safe for concurrent use.
type Pack struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	system string
	repair string

	watcher *fsnotify.Watcher
}

// Load reads the pack from dir. Both files must exist and be non-empty;
// the server refuses to start on a broken pack rather than drafting with
// an empty system prompt.
func Load(dir string, logger *slog.Logger) (*Pack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pack{dir: dir, logger: logger}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Watch starts reloading the pack on file changes. Reload failures keep
// the previous texts in place.
func (p *Pack) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	if err := w.Add(p.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}
	p.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if name != systemFile && name != repairFile {
					continue
				}
				if err := p.reload(); err != nil {
					p.logger.Warn("prompt pack reload failed, keeping previous", "error", err)
					continue
				}
				p.logger.Info("prompt pack reloaded", "file", name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logger.Warn("prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (p *Pack) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

// System returns the current system prompt.
func (p *Pack) System() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.system
}

// Repair returns the current repair prompt.
func (p *Pack) Repair() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.repair
}

func (p *Pack) reload() error {
	system, err := readPromptFile(filepath.Join(p.dir, systemFile))
	if err != nil {
		return err
	}
	repair, err := readPromptFile(filepath.Join(p.dir, repairFile))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.system = system
	p.repair = repair
	p.mu.Unlock()
	return nil
}

func readPromptFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt pack: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("prompt pack: %s is empty", path)
	}
	return text, nil
}
