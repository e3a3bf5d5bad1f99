// Package stages builds the 16S rRNA amplicon pipeline: an ordered chain of
// external tool invocations, each declaring the artifacts it consumes and
// produces. All biological computation happens in the tools; this package
// only wires parameters through.
package stages

import (
	"fmt"
	"strconv"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

// Workspace-relative artifact paths shared between stages.
const (
	MetadataPath       = "metadata.tsv"
	QCReportPath       = "qc/multiqc_report.html"
	FastQCDirPath      = "qc/fastqc/"
	ImportManifestPath = "artifacts/import-manifest.tsv"
	DemuxPath          = "artifacts/demux.qza"
	DemuxVizPath       = "artifacts/demux.qzv"
	TablePath          = "artifacts/table.qza"
	RepSeqsPath        = "artifacts/rep-seqs.qza"
	DenoiseStatsPath   = "artifacts/denoising-stats.qza"
	FilteredTablePath  = "artifacts/filtered-table.qza"
	FilteredSeqsPath   = "artifacts/filtered-rep-seqs.qza"
	ClassifierPath     = "ref/classifier.qza"
	TaxonomyPath       = "artifacts/taxonomy.qza"
	TaxaBarplotPath    = "results/taxa-barplot.qzv"
	AlignedSeqsPath    = "artifacts/aligned-rep-seqs.qza"
	MaskedSeqsPath     = "artifacts/masked-aligned-rep-seqs.qza"
	UnrootedTreePath   = "artifacts/unrooted-tree.qza"
	RootedTreePath     = "artifacts/rooted-tree.qza"
	CoreMetricsPath    = "results/core-metrics/"
	FaithSigPath       = "results/faith-pd-group-significance.qzv"
	EvennessSigPath    = "results/evenness-group-significance.qzv"
	UnifracSigPath     = "results/unweighted-unifrac-group-significance.qzv"
	GenusTablePath     = "artifacts/genus-table.qza"
	GenusRelTablePath  = "artifacts/genus-rel-table.qza"
	GenusCompPath      = "artifacts/genus-comp-table.qza"
	AncomPath          = "results/ancom-genus.qzv"
	ExtractedPath      = "results/extracted/"
)

// RequiredTools lists every external executable the pipeline invokes.
func RequiredTools() []string {
	return []string{"prefetch", "fasterq-dump", "fastqc", "multiqc", "qiime"}
}

// Build assembles the full pipeline from configuration. Stage order is fixed;
// the runner decides what actually executes.
func Build(cfg *config.Config, ws *workspace.Manager) pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "16s-amplicon",
		Stages: []pipeline.Stage{
			metadataStage(cfg, ws),
			downloadStage(cfg, ws),
			qcStage(cfg, ws),
			importStage(cfg, ws),
			denoiseStage(cfg, ws),
			filterStage(cfg, ws),
			classifierStage(cfg, ws),
			taxonomyStage(cfg, ws),
			phylogenyStage(cfg, ws),
			diversityStage(cfg, ws),
			significanceStage(cfg, ws),
			collapseStage(cfg, ws),
			ancomStage(cfg, ws),
			exportStage(cfg, ws),
		},
	}
}

// rawPath returns the FASTQ artifact path for one accession.
func rawPath(accession string) string {
	return fmt.Sprintf("raw/%s.fastq", accession)
}

// rawPaths returns the FASTQ artifact paths for all configured samples.
func rawPaths(cfg *config.Config) []string {
	paths := make([]string, 0, len(cfg.Samples))
	for _, s := range cfg.Samples {
		paths = append(paths, rawPath(s.Accession))
	}
	return paths
}

func itoa(n int) string { return strconv.Itoa(n) }
