package engine

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"fixpoint/internal/config"
)

// Overlay guards cycles whose target is the loop's own source tree.
// Before execution it copies the Go sources aside; before commit it
// parses every changed Go file, so a cycle can never land code that
// does not parse even when the configured checks would miss it.
type Overlay struct {
	repoDir   string
	backupDir string
	log       *zap.Logger
}

// NewOverlay builds the guard, or nil when self-modification is off.
func NewOverlay(cfg config.SelfModifyConfig, repoDir string, logger *zap.Logger) *Overlay {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overlay{repoDir: repoDir, backupDir: cfg.BackupDir, log: logger}
}

// Backup snapshots the tree's Go sources and module files into a single
// replaceable slot. The git snapshot is the real restore point; this
// copy survives even a corrupted .git directory.
func (o *Overlay) Backup() error {
	if o == nil {
		return nil
	}
	slot := filepath.Join(o.backupDir, "last")
	if err := os.RemoveAll(slot); err != nil {
		return fmt.Errorf("clearing backup slot: %w", err)
	}

	count := 0
	err := filepath.WalkDir(o.repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == o.repoDir {
				return nil
			}
			if name == ".git" || name == "vendor" || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".go") && name != "go.mod" && name != "go.sum" {
			return nil
		}
		rel, err := filepath.Rel(o.repoDir, path)
		if err != nil {
			return err
		}
		count++
		return copyFile(path, filepath.Join(slot, rel))
	})
	if err != nil {
		return fmt.Errorf("backing up sources: %w", err)
	}
	o.log.Debug("source backup written", zap.Int("files", count), zap.String("dir", slot))
	return nil
}

// CheckSyntax parses the changed Go files under dir, which is the tree
// being validated and may be a worker's worktree rather than the main
// checkout. The returned error reads as a validation diagnostic and
// feeds the retry prompt.
func (o *Overlay) CheckSyntax(dir string, changed []string) error {
	if o == nil {
		return nil
	}
	fset := token.NewFileSet()
	for _, rel := range changed {
		if !strings.HasSuffix(rel, ".go") {
			continue
		}
		path := filepath.Join(dir, rel)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			// Deleted files have no syntax to check.
			continue
		}
		if _, err := parser.ParseFile(fset, path, nil, parser.AllErrors); err != nil {
			return fmt.Errorf("%s does not parse: %w", rel, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
