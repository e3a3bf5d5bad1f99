package stages

import (
	"context"
	"fmt"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// taxonomyStage classifies the representative sequences against the cached
// reference classifier and renders a per-group taxa barplot.
func taxonomyStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "taxonomy",
		Inputs:  []string{FilteredSeqsPath, FilteredTablePath, ClassifierPath, MetadataPath},
		Outputs: []string{TaxonomyPath, TaxaBarplotPath},
		Params: map[string]string{
			"threads": itoa(cfg.Run.Threads),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			classifier, err := ws.Path(ClassifierPath)
			if err != nil {
				return err
			}
			seqs, err := ws.Path(FilteredSeqsPath)
			if err != nil {
				return err
			}

			logger.Info("classifying sequences")
			err = qiimeResult(ctx, cfg, ws, logger, TaxonomyPath, func(out string) []string {
				return []string{
					"feature-classifier", "classify-sklearn",
					"--i-classifier", classifier,
					"--i-reads", seqs,
					"--p-n-jobs", itoa(cfg.Run.Threads),
					"--o-classification", out,
				}
			})
			if err != nil {
				return fmt.Errorf("classify-sklearn: %w", err)
			}

			table, err := ws.Path(FilteredTablePath)
			if err != nil {
				return err
			}
			taxonomy, err := ws.Path(TaxonomyPath)
			if err != nil {
				return err
			}
			metadata, err := ws.Path(MetadataPath)
			if err != nil {
				return err
			}
			err = qiimeResult(ctx, cfg, ws, logger, TaxaBarplotPath, func(out string) []string {
				return []string{
					"taxa", "barplot",
					"--i-table", table,
					"--i-taxonomy", taxonomy,
					"--m-metadata-file", metadata,
					"--o-visualization", out,
				}
			})
			if err != nil {
				return fmt.Errorf("taxa barplot: %w", err)
			}
			return nil
		}),
	}
}

// phylogenyStage builds the rooted phylogenetic tree required by the
// phylogenetic diversity metrics.
func phylogenyStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "phylogeny",
		Inputs:  []string{FilteredSeqsPath},
		Outputs: []string{AlignedSeqsPath, MaskedSeqsPath, UnrootedTreePath, RootedTreePath},
		Params: map[string]string{
			"threads": itoa(cfg.Run.Threads),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			seqs, err := ws.Path(FilteredSeqsPath)
			if err != nil {
				return err
			}

			logger.Info("building phylogenetic tree")
			err = qiimeOutputDir(ctx, cfg, ws, logger, []string{
				"phylogeny", "align-to-tree-mafft-fasttree",
				"--i-sequences", seqs,
				"--p-n-threads", itoa(cfg.Run.Threads),
			}, "artifacts/phylogeny.partial", map[string]string{
				"alignment.qza":        AlignedSeqsPath,
				"masked_alignment.qza": MaskedSeqsPath,
				"tree.qza":             UnrootedTreePath,
				"rooted_tree.qza":      RootedTreePath,
			})
			if err != nil {
				return fmt.Errorf("align-to-tree-mafft-fasttree: %w", err)
			}
			return nil
		}),
	}
}
