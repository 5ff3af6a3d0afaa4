package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examscan/internal/autoproc"
	"github.com/pavelanni/examscan/internal/dedupe"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/quality"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [flags] image...",
		Short: "Run the quality validator and spread detector on image files",
		Long: "Check analyses each image the way the server would on upload and " +
			"prints one JSON report per file. Files are compared against the ones " +
			"before them, so repeated shots are flagged as duplicates.",
		Args: cobra.MinimumNArgs(1),
		RunE: runCheck,
	}
	f := cmd.Flags()
	f.IntP("workers", "w", 0, "Parallel decoders (0 = one per CPU)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	d := quality.DefaultThresholds()
	f.Int("min-short", d.FloorShort, "Reject images whose short side is below this")
	f.Int("min-long", d.FloorLong, "Reject images whose long side is below this")
	f.Int("recommended-short", d.RecommendedShort, "Warn when the short side is below this")
	f.Int("recommended-long", d.RecommendedLong, "Warn when the long side is below this")
	f.Float64("blur-threshold", d.BlurThreshold, "Warn when the focus score is below this")
	f.Int("duplicate-distance", d.DuplicateDistance, "Warn when a fingerprint is within this Hamming distance")
	f.Int64("max-pixels", imaging.MaxPixels, "Refuse images whose canvas exceeds this many pixels (0 = no limit)")
	addLogFlags(cmd)
	return cmd
}

type checkReport struct {
	Path        string                 `json:"path"`
	Error       string                 `json:"error,omitempty"`
	Validation  model.ValidationResult `json:"validation"`
	Orientation int                    `json:"exif_orientation,omitempty"`
	Spread      *model.SpreadInfo      `json:"spread,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	imaging.MaxPixels = v.GetInt64("max-pixels")

	results, err := quality.AnalyzeFiles(cmd.Context(), args, v.GetInt("workers"))
	if err != nil {
		return fmt.Errorf("analyse images: %w", err)
	}

	reports := checkResults(quality.New(thresholds(v)), results)
	rejected := 0
	for _, r := range reports {
		if !r.Validation.Accepted {
			rejected++
		}
	}
	slog.Info("check finished", "files", len(reports), "rejected", rejected)
	return writeJSONOutput(v.GetString("output"), reports)
}

// checkResults evaluates analysed files in argument order. Each accepted
// file joins the duplicate baseline for the files after it.
func checkResults(val *quality.Validator, results []quality.FileResult) []checkReport {
	var known []dedupe.Entry
	reports := make([]checkReport, 0, len(results))
	for _, res := range results {
		rep := checkReport{Path: res.Path}
		if res.Err != nil {
			rep.Error = res.Err.Error()
			rep.Validation = quality.CorruptedResult()
			reports = append(reports, rep)
			continue
		}

		a := res.Analysis
		rep.Validation = val.Evaluate(a, known)
		rep.Orientation = a.Orientation
		if rep.Validation.Accepted {
			known = append(known, dedupe.Entry{Fingerprint: a.Fingerprint, Path: res.Path})
			spread := autoproc.DetectSpread(imaging.ApplyOrientation(a.Image, a.Orientation))
			rep.Spread = &spread
		}
		reports = append(reports, rep)
	}
	return reports
}

func thresholds(v *viper.Viper) quality.Thresholds {
	return quality.Thresholds{
		FloorShort:        v.GetInt("min-short"),
		FloorLong:         v.GetInt("min-long"),
		RecommendedShort:  v.GetInt("recommended-short"),
		RecommendedLong:   v.GetInt("recommended-long"),
		BlurThreshold:     v.GetFloat64("blur-threshold"),
		DuplicateDistance: v.GetInt("duplicate-distance"),
	}
}

func pipelineConfig(v *viper.Viper) model.PipelineConfig {
	return model.PipelineConfig{
		WorkDir:        v.GetString("work-dir"),
		OutputDir:      v.GetString("output-dir"),
		WatchDir:       v.GetString("watch-dir"),
		AutoCheck:      v.GetBool("auto-check"),
		AutoSplit:      v.GetBool("auto-split"),
		CleanupSources: v.GetBool("watch-cleanup"),
		Lang:           v.GetString("lang"),
		MaxPixels:      v.GetInt64("max-pixels"),
	}
}
