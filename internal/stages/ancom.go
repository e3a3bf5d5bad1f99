package stages

import (
	"context"
	"fmt"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// collapseStage collapses the feature table to a taxonomic level (default
// genus) and derives the relative-frequency table used for reporting.
func collapseStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "collapse",
		Inputs:  []string{FilteredTablePath, TaxonomyPath},
		Outputs: []string{GenusTablePath, GenusRelTablePath},
		Params: map[string]string{
			"level": itoa(cfg.Collapse.Level),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			table, err := ws.Path(FilteredTablePath)
			if err != nil {
				return err
			}
			taxonomy, err := ws.Path(TaxonomyPath)
			if err != nil {
				return err
			}

			logger.Info("collapsing table", "level", cfg.Collapse.Level)
			err = qiimeResult(ctx, cfg, ws, logger, GenusTablePath, func(out string) []string {
				return []string{
					"taxa", "collapse",
					"--i-table", table,
					"--i-taxonomy", taxonomy,
					"--p-level", itoa(cfg.Collapse.Level),
					"--o-collapsed-table", out,
				}
			})
			if err != nil {
				return fmt.Errorf("taxa collapse: %w", err)
			}

			genusTable, err := ws.Path(GenusTablePath)
			if err != nil {
				return err
			}
			err = qiimeResult(ctx, cfg, ws, logger, GenusRelTablePath, func(out string) []string {
				return []string{
					"feature-table", "relative-frequency",
					"--i-table", genusTable,
					"--o-relative-frequency-table", out,
				}
			})
			if err != nil {
				return fmt.Errorf("relative-frequency: %w", err)
			}
			return nil
		}),
	}
}

// ancomStage runs ANCOM differential abundance on the collapsed table.
// ANCOM cannot tolerate zeros, so the table is pseudocounted first.
func ancomStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "ancom",
		Inputs:  []string{GenusTablePath, MetadataPath},
		Outputs: []string{GenusCompPath, AncomPath},
		Params: map[string]string{
			"group-column": cfg.Ancom.GroupColumn,
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			genusTable, err := ws.Path(GenusTablePath)
			if err != nil {
				return err
			}

			err = qiimeResult(ctx, cfg, ws, logger, GenusCompPath, func(out string) []string {
				return []string{
					"composition", "add-pseudocount",
					"--i-table", genusTable,
					"--o-composition-table", out,
				}
			})
			if err != nil {
				return fmt.Errorf("add-pseudocount: %w", err)
			}

			compTable, err := ws.Path(GenusCompPath)
			if err != nil {
				return err
			}
			metadata, err := ws.Path(MetadataPath)
			if err != nil {
				return err
			}
			logger.Info("running ancom", "column", cfg.Ancom.GroupColumn)
			err = qiimeResult(ctx, cfg, ws, logger, AncomPath, func(out string) []string {
				return []string{
					"composition", "ancom",
					"--i-table", compTable,
					"--m-metadata-file", metadata,
					"--m-metadata-column", cfg.Ancom.GroupColumn,
					"--o-visualization", out,
				}
			})
			if err != nil {
				return fmt.Errorf("ancom: %w", err)
			}
			return nil
		}),
	}
}
