package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// partialSuffix marks in-flight outputs. Anything carrying it is never a
// completed artifact and is safe to delete on startup.
const partialSuffix = ".partial"

// Layout is the set of directories initialized under the workspace root.
var Layout = []string{
	"raw",       // downloaded FASTQ files
	"qc",        // fastqc/multiqc reports
	"artifacts", // QIIME 2 .qza/.qzv intermediates
	"ref",       // cached reference artifacts (classifier)
	"results",   // diversity, significance, ancom outputs
}

// CleanupReport summarizes a partial-output sweep.
type CleanupReport struct {
	DeletedPaths int
}

// Manager governs the pipeline workspace: a single directory tree that is the
// only channel of inter-stage communication. Completion state lives in the
// filesystem (plus the stage manifest), never in process memory.
type Manager struct {
	root string
}

// New creates a workspace manager rooted at root. The directory is not
// created until Init is called.
func New(root string) (*Manager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(filepath.Clean(trimmed))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Init creates the workspace root and the standard layout directories.
// Calling Init on an existing workspace is a no-op, preserving prior artifacts.
func (m *Manager) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	for _, dir := range Layout {
		if err := os.MkdirAll(filepath.Join(m.root, dir), 0o755); err != nil {
			return fmt.Errorf("create workspace directory %q: %w", dir, err)
		}
	}
	return nil
}

// Path resolves a workspace-relative artifact path to an absolute path.
func (m *Manager) Path(rel string) (string, error) {
	if err := validateRelPath(rel); err != nil {
		return "", err
	}
	return filepath.Join(m.root, rel), nil
}

// Exists reports whether the artifact at rel exists. Directory-valued
// artifacts count only when they exist as directories; a plain file at a
// directory artifact's path is treated as absent.
func (m *Manager) Exists(rel string) (bool, error) {
	path, err := m.Path(rel)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat artifact %q: %w", rel, err)
	}

	if strings.HasSuffix(rel, "/") && !info.IsDir() {
		return false, nil
	}
	return true, nil
}

// PublishFile writes an artifact atomically: write writes to a sibling
// .partial path, which is renamed over the destination only on success.
// A crash mid-write cannot leave a complete-looking artifact behind.
func (m *Manager) PublishFile(rel string, write func(path string) error) error {
	dest, err := m.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create artifact parent: %w", err)
	}

	tmp := dest + partialSuffix
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish artifact %q: %w", rel, err)
	}
	return nil
}

// PublishDir builds a directory artifact atomically using the same
// .partial-then-rename strategy. An existing destination is replaced.
func (m *Manager) PublishDir(rel string, build func(dir string) error) error {
	dest, err := m.Path(strings.TrimSuffix(rel, "/"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create artifact parent: %w", err)
	}

	tmp := dest + partialSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear stale partial %q: %w", rel, err)
	}
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("create partial directory %q: %w", rel, err)
	}
	if err := build(tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("replace artifact %q: %w", rel, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("publish artifact %q: %w", rel, err)
	}
	return nil
}

// CleanupPartials removes leftover .partial files and directories from an
// interrupted run. It walks the whole tree; partial outputs are never nested
// inside other partial outputs, so removal order does not matter.
func (m *Manager) CleanupPartials(ctx context.Context) (CleanupReport, error) {
	report := CleanupReport{}

	var partials []string
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasSuffix(d.Name(), partialSuffix) {
			partials = append(partials, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("scan workspace for partial outputs: %w", err)
	}

	for _, path := range partials {
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove partial output %q: %w", path, err)
		}
		report.DeletedPaths++
	}
	return report, nil
}

func validateRelPath(rel string) error {
	trimmed := strings.TrimSuffix(strings.TrimSpace(rel), "/")
	if trimmed == "" {
		return fmt.Errorf("artifact path is empty")
	}
	if filepath.IsAbs(trimmed) {
		return fmt.Errorf("artifact path %q must be workspace-relative", rel)
	}
	if trimmed != filepath.Clean(trimmed) || strings.HasPrefix(trimmed, "..") {
		return fmt.Errorf("artifact path %q is invalid", rel)
	}
	return nil
}
