package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/tool"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// qiime runs a single qiime invocation under the stage timeout.
func qiime(ctx context.Context, cfg *config.Config, logger *slog.Logger, args ...string) error {
	return tool.Run(ctx, tool.Command{
		Name:    "qiime",
		Args:    args,
		Timeout: cfg.Run.StageTimeout,
	}, logger)
}

// qiimeResult runs a qiime action that writes a single result file. qiime
// appends the .qza/.qzv extension to output paths that lack it, so the result
// is produced under its final name inside a partial scratch directory and
// renamed onto its artifact path. argsFor receives the path to hand to the
// tool's output flag.
func qiimeResult(ctx context.Context, cfg *config.Config, ws *workspace.Manager, logger *slog.Logger, rel string, argsFor func(out string) []string) error {
	dest, err := ws.Path(rel)
	if err != nil {
		return err
	}
	scratch, err := ws.Path(rel + ".partial")
	if err != nil {
		return err
	}
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("clear scratch %q: %w", rel, err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch %q: %w", rel, err)
	}

	out := filepath.Join(scratch, filepath.Base(rel))
	if err := qiime(ctx, cfg, logger, argsFor(out)...); err != nil {
		_ = os.RemoveAll(scratch)
		return err
	}

	if err := os.Rename(out, dest); err != nil {
		_ = os.RemoveAll(scratch)
		return fmt.Errorf("publish %q: %w", rel, err)
	}
	return os.RemoveAll(scratch)
}

// qiimeOutputDir runs a qiime action with --output-dir pointed at a partial
// scratch directory, then moves the result files it names to their artifact
// paths. outputs maps the file name qiime produces to its workspace path.
// The scratch path must carry the partial suffix so an interrupted run is
// swept on the next startup.
func qiimeOutputDir(ctx context.Context, cfg *config.Config, ws *workspace.Manager, logger *slog.Logger, args []string, scratchRel string, outputs map[string]string) error {
	scratch, err := ws.Path(scratchRel)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("clear scratch %q: %w", scratchRel, err)
	}

	// qiime refuses a pre-existing --output-dir and creates it itself.
	if err := qiime(ctx, cfg, logger, append(args, "--output-dir", scratch)...); err != nil {
		return err
	}

	for name, rel := range outputs {
		dest, err := ws.Path(rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create artifact parent: %w", err)
		}
		if err := os.Rename(filepath.Join(scratch, name), dest); err != nil {
			return fmt.Errorf("publish %q: %w", rel, err)
		}
	}
	return os.RemoveAll(scratch)
}

// importStage builds a single-end FASTQ manifest and imports the reads into
// a demultiplexed QIIME 2 artifact, plus a summary visualization for read
// quality inspection.
func importStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "import",
		Inputs:  rawPaths(cfg),
		Outputs: []string{ImportManifestPath, DemuxPath, DemuxVizPath},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)

			err := ws.PublishFile(ImportManifestPath, func(path string) error {
				var b strings.Builder
				b.WriteString("sample-id\tabsolute-filepath\n")
				for _, s := range cfg.Samples {
					fastq, err := ws.Path(rawPath(s.Accession))
					if err != nil {
						return err
					}
					fmt.Fprintf(&b, "%s\t%s\n", s.Accession, fastq)
				}
				return os.WriteFile(path, []byte(b.String()), 0o644)
			})
			if err != nil {
				return err
			}

			manifest, err := ws.Path(ImportManifestPath)
			if err != nil {
				return err
			}
			logger.Info("importing reads", "samples", len(cfg.Samples))
			err = qiimeResult(ctx, cfg, ws, logger, DemuxPath, func(out string) []string {
				return []string{
					"tools", "import",
					"--type", "SampleData[SequencesWithQuality]",
					"--input-path", manifest,
					"--input-format", "SingleEndFastqManifestPhred33V2",
					"--output-path", out,
				}
			})
			if err != nil {
				return fmt.Errorf("qiime import: %w", err)
			}

			demux, err := ws.Path(DemuxPath)
			if err != nil {
				return err
			}
			err = qiimeResult(ctx, cfg, ws, logger, DemuxVizPath, func(out string) []string {
				return []string{
					"demux", "summarize",
					"--i-data", demux,
					"--o-visualization", out,
				}
			})
			if err != nil {
				return fmt.Errorf("qiime demux summarize: %w", err)
			}
			return nil
		}),
	}
}

// denoiseStage runs DADA2 single-end denoising, producing the feature table,
// representative sequences, and per-sample denoising statistics.
func denoiseStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "denoise",
		Inputs:  []string{DemuxPath},
		Outputs: []string{TablePath, RepSeqsPath, DenoiseStatsPath},
		Params: map[string]string{
			"trim-left": itoa(cfg.Denoise.TrimLeft),
			"trunc-len": itoa(cfg.Denoise.TruncLen),
			"threads":   itoa(cfg.Run.Threads),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			demux, err := ws.Path(DemuxPath)
			if err != nil {
				return err
			}

			logger.Info("denoising with dada2",
				"trim_left", cfg.Denoise.TrimLeft,
				"trunc_len", cfg.Denoise.TruncLen)
			err = qiimeOutputDir(ctx, cfg, ws, logger, []string{
				"dada2", "denoise-single",
				"--i-demultiplexed-seqs", demux,
				"--p-trim-left", itoa(cfg.Denoise.TrimLeft),
				"--p-trunc-len", itoa(cfg.Denoise.TruncLen),
				"--p-n-threads", itoa(cfg.Run.Threads),
			}, "artifacts/denoise.partial", map[string]string{
				"table.qza":                    TablePath,
				"representative_sequences.qza": RepSeqsPath,
				"denoising_stats.qza":          DenoiseStatsPath,
			})
			if err != nil {
				return fmt.Errorf("dada2 denoise-single: %w", err)
			}
			return nil
		}),
	}
}

// filterStage drops rare features from the table and prunes the
// representative sequences down to the surviving features.
func filterStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "filter",
		Inputs:  []string{TablePath, RepSeqsPath},
		Outputs: []string{FilteredTablePath, FilteredSeqsPath},
		Params: map[string]string{
			"min-frequency": itoa(cfg.Filter.MinFrequency),
			"min-samples":   itoa(cfg.Filter.MinSamples),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			table, err := ws.Path(TablePath)
			if err != nil {
				return err
			}
			repSeqs, err := ws.Path(RepSeqsPath)
			if err != nil {
				return err
			}

			logger.Info("filtering rare features",
				"min_frequency", cfg.Filter.MinFrequency,
				"min_samples", cfg.Filter.MinSamples)
			err = qiimeResult(ctx, cfg, ws, logger, FilteredTablePath, func(out string) []string {
				return []string{
					"feature-table", "filter-features",
					"--i-table", table,
					"--p-min-frequency", itoa(cfg.Filter.MinFrequency),
					"--p-min-samples", itoa(cfg.Filter.MinSamples),
					"--o-filtered-table", out,
				}
			})
			if err != nil {
				return fmt.Errorf("filter-features: %w", err)
			}

			filteredTable, err := ws.Path(FilteredTablePath)
			if err != nil {
				return err
			}
			err = qiimeResult(ctx, cfg, ws, logger, FilteredSeqsPath, func(out string) []string {
				return []string{
					"feature-table", "filter-seqs",
					"--i-data", repSeqs,
					"--i-table", filteredTable,
					"--o-filtered-data", out,
				}
			})
			if err != nil {
				return fmt.Errorf("filter-seqs: %w", err)
			}
			return nil
		}),
	}
}
