package pipeline

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// ManifestEntry records a completed stage: what it consumed (fingerprint over
// input contents + params) and what it produced. Existence of outputs alone is
// not proof of completion; the fingerprint is what detects changed inputs or
// parameters between runs.
type ManifestEntry struct {
	Stage       string
	Fingerprint string
	Outputs     []string
	CompletedAt time.Time
}

// ManifestStore persists manifest entries in SQLite.
type ManifestStore struct {
	db *sql.DB
}

// NewManifestStore creates a store over an opened database.
func NewManifestStore(db *sql.DB) *ManifestStore {
	return &ManifestStore{db: db}
}

// Get returns the manifest entry for a stage, or nil if none exists.
func (s *ManifestStore) Get(ctx context.Context, stage string) (*ManifestEntry, error) {
	if stage == "" {
		return nil, fmt.Errorf("stage name is empty")
	}

	var (
		entry       ManifestEntry
		outputsJSON string
		completedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT stage, fingerprint, outputs, completed_at FROM stage_manifest WHERE stage = ?;",
		stage).Scan(&entry.Stage, &entry.Fingerprint, &outputsJSON, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest entry: %w", err)
	}

	if err := json.Unmarshal([]byte(outputsJSON), &entry.Outputs); err != nil {
		return nil, fmt.Errorf("decode manifest outputs for stage %q: %w", stage, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
		entry.CompletedAt = t
	}
	return &entry, nil
}

// Put upserts the manifest entry for a stage.
func (s *ManifestStore) Put(ctx context.Context, entry ManifestEntry) error {
	if entry.Stage == "" {
		return fmt.Errorf("stage name is empty")
	}
	if entry.Fingerprint == "" {
		return fmt.Errorf("fingerprint is empty")
	}

	outputsJSON, err := json.Marshal(entry.Outputs)
	if err != nil {
		return fmt.Errorf("encode manifest outputs: %w", err)
	}

	completedAt := entry.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO stage_manifest(stage, fingerprint, outputs, completed_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(stage) DO UPDATE SET
  fingerprint = excluded.fingerprint,
  outputs = excluded.outputs,
  completed_at = excluded.completed_at;
`, entry.Stage, entry.Fingerprint, string(outputsJSON), completedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert manifest entry: %w", err)
	}
	return nil
}

// Delete removes a stage's manifest entry. Used when an invalidated stage is
// about to re-run, so a crash mid-stage cannot leave a stale completion record.
func (s *ManifestStore) Delete(ctx context.Context, stage string) error {
	if stage == "" {
		return fmt.Errorf("stage name is empty")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM stage_manifest WHERE stage = ?;", stage); err != nil {
		return fmt.Errorf("delete manifest entry: %w", err)
	}
	return nil
}

// Fingerprint computes a BLAKE3 hash over a stage's resolved input contents
// and its params. Inputs are hashed in declared order; directory inputs are
// walked in sorted order. Params are serialized sorted by key.
func Fingerprint(ws *workspace.Manager, st Stage) (string, error) {
	h := blake3.New()

	for _, in := range st.Inputs {
		path, err := ws.Path(in)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "input:%s\n", in)
		if err := hashPath(h, path); err != nil {
			return "", fmt.Errorf("fingerprint input %q: %w", in, err)
		}
	}

	keys := make([]string, 0, len(st.Params))
	for k := range st.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "param:%s=%s\n", k, st.Params[k])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashPath(h io.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return hashFile(h, path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, f := range files {
		rel, err := filepath.Rel(path, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "file:%s\n", rel)
		if err := hashFile(h, f); err != nil {
			return err
		}
	}
	return nil
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	return nil
}
