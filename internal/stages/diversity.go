package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// diversityStage runs the phylogenetic core-metrics battery: rarefaction to
// the sampling depth, then the standard alpha and beta diversity artifacts
// in one directory-valued output.
func diversityStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "diversity",
		Inputs:  []string{RootedTreePath, FilteredTablePath, MetadataPath},
		Outputs: []string{CoreMetricsPath},
		Params: map[string]string{
			"sampling-depth": itoa(cfg.Diversity.SamplingDepth),
			"threads":        itoa(cfg.Run.Threads),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			tree, err := ws.Path(RootedTreePath)
			if err != nil {
				return err
			}
			table, err := ws.Path(FilteredTablePath)
			if err != nil {
				return err
			}
			metadata, err := ws.Path(MetadataPath)
			if err != nil {
				return err
			}
			dest, err := ws.Path(strings.TrimSuffix(CoreMetricsPath, "/"))
			if err != nil {
				return err
			}

			// qiime insists on creating --output-dir itself, so the partial
			// directory is handed to it unborn and renamed into place after.
			scratch := dest + ".partial"
			if err := os.RemoveAll(scratch); err != nil {
				return fmt.Errorf("clear scratch: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("create artifact parent: %w", err)
			}

			logger.Info("computing core diversity metrics", "sampling_depth", cfg.Diversity.SamplingDepth)
			err = qiime(ctx, cfg, logger,
				"diversity", "core-metrics-phylogenetic",
				"--i-phylogeny", tree,
				"--i-table", table,
				"--p-sampling-depth", itoa(cfg.Diversity.SamplingDepth),
				"--m-metadata-file", metadata,
				"--p-n-jobs-or-threads", itoa(cfg.Run.Threads),
				"--output-dir", scratch,
			)
			if err != nil {
				_ = os.RemoveAll(scratch)
				return fmt.Errorf("core-metrics-phylogenetic: %w", err)
			}

			if err := os.RemoveAll(dest); err != nil {
				return fmt.Errorf("replace core metrics: %w", err)
			}
			if err := os.Rename(scratch, dest); err != nil {
				return fmt.Errorf("publish core metrics: %w", err)
			}
			return nil
		}),
	}
}

// significanceStage tests alpha and beta diversity for differences between
// sample groups: Kruskal-Wallis on Faith's PD and evenness, PERMANOVA on the
// unweighted UniFrac distance matrix.
func significanceStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "significance",
		Inputs:  []string{CoreMetricsPath, MetadataPath},
		Outputs: []string{FaithSigPath, EvennessSigPath, UnifracSigPath},
		Params: map[string]string{
			"group-column": cfg.Ancom.GroupColumn,
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			metadata, err := ws.Path(MetadataPath)
			if err != nil {
				return err
			}
			coreMetrics, err := ws.Path(strings.TrimSuffix(CoreMetricsPath, "/"))
			if err != nil {
				return err
			}

			alpha := []struct {
				vector string
				out    string
			}{
				{"faith_pd_vector.qza", FaithSigPath},
				{"evenness_vector.qza", EvennessSigPath},
			}
			for _, a := range alpha {
				logger.Info("testing alpha diversity", "vector", a.vector)
				vector := filepath.Join(coreMetrics, a.vector)
				err := qiimeResult(ctx, cfg, ws, logger, a.out, func(out string) []string {
					return []string{
						"diversity", "alpha-group-significance",
						"--i-alpha-diversity", vector,
						"--m-metadata-file", metadata,
						"--o-visualization", out,
					}
				})
				if err != nil {
					return fmt.Errorf("alpha-group-significance %s: %w", a.vector, err)
				}
			}

			logger.Info("testing beta diversity", "column", cfg.Ancom.GroupColumn)
			err = qiimeResult(ctx, cfg, ws, logger, UnifracSigPath, func(out string) []string {
				return []string{
					"diversity", "beta-group-significance",
					"--i-distance-matrix", filepath.Join(coreMetrics, "unweighted_unifrac_distance_matrix.qza"),
					"--m-metadata-file", metadata,
					"--m-metadata-column", cfg.Ancom.GroupColumn,
					"--p-pairwise",
					"--o-visualization", out,
				}
			})
			if err != nil {
				return fmt.Errorf("beta-group-significance: %w", err)
			}
			return nil
		}),
	}
}
