package stages

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// metadataStage materializes the sample sheet as a QIIME 2 metadata file.
// The sample list comes from configuration, so it is threaded through Params
// rather than Inputs; editing the sample set invalidates everything downstream.
func metadataStage(cfg *config.Config, ws *workspace.Manager) pipeline.Stage {
	pairs := make([]string, 0, len(cfg.Samples))
	for _, s := range cfg.Samples {
		pairs = append(pairs, s.Accession+"="+s.Group)
	}

	return pipeline.Stage{
		Name:    "metadata",
		Outputs: []string{MetadataPath},
		Params: map[string]string{
			"samples":      strings.Join(pairs, ","),
			"group-column": cfg.Ancom.GroupColumn,
		},
		Action: pipeline.ActionFunc(func(ctx context.Context, st pipeline.Stage) error {
			log.WithStage(st.Name).Info("writing sample metadata", "samples", len(cfg.Samples))

			return ws.PublishFile(MetadataPath, func(path string) error {
				var b strings.Builder
				fmt.Fprintf(&b, "sample-id\t%s\n", cfg.Ancom.GroupColumn)
				b.WriteString("#q2:types\tcategorical\n")
				for _, s := range cfg.Samples {
					fmt.Fprintf(&b, "%s\t%s\n", s.Accession, s.Group)
				}
				return os.WriteFile(path, []byte(b.String()), 0o644)
			})
		}),
	}
}
