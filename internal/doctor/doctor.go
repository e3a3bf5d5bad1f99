// Package doctor runs preflight checks over configuration, external tools,
// and the workspace before a pipeline run.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/stages"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/tool"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// Result holds the outcome of a preflight run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single preflight error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the environment it will
// run in.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkPipelineChain(r)
	d.checkTools(r)
	d.checkWorkspace(r)
	d.checkStatePath(r)
	d.checkAPIConfig(r)
	d.warnSamplingDepth(r)
	d.warnSingleGroup(r)
	d.warnPlainHTTPClassifier(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkPipelineChain builds the full stage chain and verifies every input is
// produced by an earlier stage.
func (d *Doctor) checkPipelineChain(r *Result) {
	ws, err := workspace.New(d.cfg.Workspace)
	if err != nil {
		d.addError(r, "workspace", "workspace", err.Error())
		return
	}
	if err := pipeline.Validate(stages.Build(d.cfg, ws)); err != nil {
		d.addError(r, "pipeline", "", err.Error())
	}
}

// checkTools verifies every external executable is on PATH.
func (d *Doctor) checkTools(r *Result) {
	for _, name := range stages.RequiredTools() {
		if err := tool.Available(name); err != nil {
			d.addError(r, "tools", name,
				fmt.Sprintf("%q not found on PATH", name))
		}
	}
}

// checkWorkspace verifies the workspace root is creatable and writable.
func (d *Doctor) checkWorkspace(r *Result) {
	dir := d.cfg.Workspace
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "workspace", "workspace",
			fmt.Sprintf("cannot create workspace %q: %v", dir, err))
		return
	}

	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		d.addError(r, "workspace", "workspace",
			fmt.Sprintf("workspace %q is not writable: %v", dir, err))
		return
	}
	_ = os.Remove(probe)
}

// checkStatePath verifies the state database directory exists or can be made.
func (d *Doctor) checkStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.State.Path), 0o755); err != nil {
		d.addError(r, "state", "state.path",
			fmt.Sprintf("cannot create state directory: %v", err))
	}
}

// checkAPIConfig checks status API settings.
func (d *Doctor) checkAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Token == "" {
		d.addWarning(r, "api", "api.token", "API enabled but no token configured; status endpoints will be open")
	}
}

// warnSamplingDepth flags depths low enough to suggest a typo. Rarefying to
// a few hundred reads discards most of the data in a typical 16S run.
func (d *Doctor) warnSamplingDepth(r *Result) {
	if d.cfg.Diversity.SamplingDepth < 1000 {
		d.addWarning(r, "diversity", "diversity.sampling_depth",
			fmt.Sprintf("sampling depth %d is very low; diversity estimates will be unstable", d.cfg.Diversity.SamplingDepth))
	}
}

// warnSingleGroup flags sample sheets where every sample shares one group.
// The significance and ancom stages need at least two groups to compare.
func (d *Doctor) warnSingleGroup(r *Result) {
	groups := make(map[string]struct{})
	for _, s := range d.cfg.Samples {
		groups[s.Group] = struct{}{}
	}
	if len(d.cfg.Samples) > 0 && len(groups) < 2 {
		d.addWarning(r, "samples", "samples",
			"all samples share one group; group significance tests will fail")
	}
}

// warnPlainHTTPClassifier flags classifier downloads over plain HTTP.
func (d *Doctor) warnPlainHTTPClassifier(r *Result) {
	if strings.HasPrefix(d.cfg.Classifier.URL, "http://") {
		d.addWarning(r, "classifier", "classifier.url",
			"classifier will be fetched over plain HTTP")
	}
}

// FormatHuman returns a human-readable preflight report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Preflight passed.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Preflight passed (%d warning(s))\n", len(r.Warnings))
	}
	if !r.Valid {
		fmt.Fprintf(&b, "Preflight failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
