package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/tool"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// qcStage runs FastQC over every FASTQ and aggregates the reports with
// MultiQC. The aggregate report is the contract output; the per-sample
// reports are published alongside it as a directory artifact.
func qcStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "qc",
		Inputs:  rawPaths(cfg),
		Outputs: []string{FastQCDirPath, QCReportPath},
		Params: map[string]string{
			"threads": itoa(cfg.Run.Threads),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)

			fastqs := make([]string, 0, len(st.Inputs))
			for _, rel := range st.Inputs {
				path, err := ws.Path(rel)
				if err != nil {
					return err
				}
				fastqs = append(fastqs, path)
			}

			err := ws.PublishDir(FastQCDirPath, func(dir string) error {
				logger.Info("running fastqc", "files", len(fastqs))
				args := append([]string{"--outdir", dir, "--threads", itoa(cfg.Run.Threads)}, fastqs...)
				return tool.Run(ctx, tool.Command{
					Name:    "fastqc",
					Args:    args,
					Timeout: cfg.Run.StageTimeout,
				}, logger)
			})
			if err != nil {
				return fmt.Errorf("fastqc: %w", err)
			}

			fastqcDir, err := ws.Path(FastQCDirPath)
			if err != nil {
				return err
			}
			// multiqc insists on a .html output name, so it writes into a
			// partial scratch dir and the report is renamed into place.
			scratch, err := ws.Path("qc/multiqc.partial")
			if err != nil {
				return err
			}
			if err := os.RemoveAll(scratch); err != nil {
				return fmt.Errorf("clear scratch: %w", err)
			}
			return ws.PublishFile(QCReportPath, func(path string) error {
				logger.Info("aggregating reports with multiqc")
				if err := tool.Run(ctx, tool.Command{
					Name: "multiqc",
					Args: []string{
						fastqcDir,
						"--outdir", scratch,
						"--filename", "multiqc_report",
						"--force",
					},
					Timeout: cfg.Run.StageTimeout,
				}, logger); err != nil {
					return fmt.Errorf("multiqc: %w", err)
				}
				if err := os.Rename(filepath.Join(scratch, "multiqc_report.html"), path); err != nil {
					return fmt.Errorf("stage multiqc report: %w", err)
				}
				return os.RemoveAll(scratch)
			})
		}),
	}
}
