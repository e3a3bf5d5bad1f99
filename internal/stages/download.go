package stages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/tool"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// downloadStage fetches raw FASTQ files from SRA, one accession at a time.
// fasterq-dump writes into a per-accession .partial scratch directory and the
// FASTQ is renamed into raw/ only after the dump succeeds, so a killed run
// never leaves a truncated file under the final name. Accessions whose FASTQ
// already exists are not re-fetched, so an interrupted download resumes where
// it stopped.
func downloadStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	accessions := make([]string, 0, len(cfg.Samples))
	for _, s := range cfg.Samples {
		accessions = append(accessions, s.Accession)
	}

	return pipeline.Stage{
		Name:    "download",
		Outputs: rawPaths(cfg),
		Params: map[string]string{
			"threads": itoa(cfg.Run.Threads),
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			rawDir, err := ws.Path("raw")
			if err != nil {
				return err
			}

			for _, acc := range accessions {
				ok, err := ws.Exists(rawPath(acc))
				if err != nil {
					return err
				}
				if ok {
					logger.Info("fastq present, skipping accession", "accession", acc)
					continue
				}

				logger.Info("downloading accession", "accession", acc)
				sraDir := filepath.Join(rawDir, ".sra")
				if err := tool.Run(ctx, tool.Command{
					Name:    "prefetch",
					Args:    []string{acc, "--output-directory", sraDir},
					Timeout: cfg.Run.StageTimeout,
				}, logger); err != nil {
					return fmt.Errorf("prefetch %s: %w", acc, err)
				}

				scratch := filepath.Join(rawDir, acc+".partial")
				if err := os.RemoveAll(scratch); err != nil {
					return fmt.Errorf("clear stale partial for %s: %w", acc, err)
				}
				if err := os.MkdirAll(scratch, 0o755); err != nil {
					return fmt.Errorf("create partial directory for %s: %w", acc, err)
				}

				if err := tool.Run(ctx, tool.Command{
					Name: "fasterq-dump",
					Args: []string{
						filepath.Join(sraDir, acc),
						"--outdir", scratch,
						"--threads", itoa(cfg.Run.Threads),
						"--force",
					},
					Timeout: cfg.Run.StageTimeout,
				}, logger); err != nil {
					return fmt.Errorf("fasterq-dump %s: %w", acc, err)
				}

				fastq := acc + ".fastq"
				if err := os.Rename(filepath.Join(scratch, fastq), filepath.Join(rawDir, fastq)); err != nil {
					return fmt.Errorf("publish %s: %w", fastq, err)
				}
				_ = os.RemoveAll(scratch)
			}

			// The SRA cache is an intermediate, not an artifact.
			_ = os.RemoveAll(filepath.Join(rawDir, ".sra"))
			return nil
		}),
	}
}

// classifierStage fetches the pre-trained taxonomy classifier once and caches
// it like any other artifact. The download is runner-native: streamed to a
// partial file and renamed only when the body completes.
func classifierStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	return pipeline.Stage{
		Name:    "classifier",
		Outputs: []string{ClassifierPath},
		Params: map[string]string{
			"url": cfg.Classifier.URL,
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			logger := log.WithStage(st.Name)
			logger.Info("fetching classifier", "url", cfg.Classifier.URL)

			return ws.PublishFile(ClassifierPath, func(path string) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Classifier.URL, nil)
				if err != nil {
					return fmt.Errorf("build classifier request: %w", err)
				}

				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return fmt.Errorf("fetch classifier: %w", err)
				}
				defer resp.Body.Close()

				if resp.StatusCode != http.StatusOK {
					return fmt.Errorf("fetch classifier: unexpected status %s", resp.Status)
				}

				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create classifier file: %w", err)
				}
				defer f.Close()

				if _, err := io.Copy(f, resp.Body); err != nil {
					return fmt.Errorf("write classifier: %w", err)
				}
				return f.Sync()
			})
		}),
	}
}
