package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// exportStage unpacks the analysis visualizations so the figures are
// browsable without QIIME 2 installed. Each .qzv is exported into a
// subdirectory named after the visualization.
func exportStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	visualizations := []string{
		DemuxVizPath,
		TaxaBarplotPath,
		FaithSigPath,
		EvennessSigPath,
		UnifracSigPath,
		AncomPath,
	}

	return pipeline.Stage{
		Name:    "export",
		Inputs:  visualizations,
		Outputs: []string{ExtractedPath},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)

			return ws.PublishDir(ExtractedPath, func(dir string) error {
				for _, rel := range visualizations {
					viz, err := ws.Path(rel)
					if err != nil {
						return err
					}
					name := strings.TrimSuffix(filepath.Base(rel), ".qzv")
					logger.Info("exporting visualization", "name", name)
					if err := qiime(ctx, cfg, logger,
						"tools", "export",
						"--input-path", viz,
						"--output-path", filepath.Join(dir, name),
					); err != nil {
						return fmt.Errorf("export %s: %w", name, err)
					}
				}
				return nil
			})
		}),
	}
}
