package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/strategy-cli/internal/model"
)

var (
	runCompany      string
	runIndustry     string
	runChallenge    string
	runSubmissionID string
	runEnrichment   string
	runFormat       string
	runOut          string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the strategy pipeline for a single company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := validateFormat(runFormat); err != nil {
			return err
		}
		enrichment, err := parseEnrichment(runEnrichment)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.PipelineRequest{
			SubmissionID: runSubmissionID,
			Company:      runCompany,
			Industry:     runIndustry,
			Challenge:    runChallenge,
			Enrichment:   enrichment,
		}
		if req.SubmissionID == "" {
			req.SubmissionID = uuid.NewString()
		}

		result, runErr := env.Orchestrator(env.Tracker()).Run(ctx, req)
		if result == nil {
			return eris.Wrap(runErr, "pipeline run")
		}

		zap.L().Info("analysis complete",
			zap.String("company", req.Company),
			zap.String("submission_id", req.SubmissionID),
			zap.Int("stages_completed", len(result.Metadata.StagesCompleted)),
			zap.Float64("total_cost_usd", result.Metadata.TotalCostUSD),
		)

		out := io.Writer(os.Stdout)
		if runOut != "" {
			f, err := os.Create(runOut)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		// A partial result is still written before the failure is reported.
		if err := writeResult(out, result, runFormat); err != nil {
			return err
		}
		if runErr != nil {
			return eris.Wrap(runErr, "pipeline run")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runCompany, "company", "", "company name (required)")
	runCmd.Flags().StringVar(&runIndustry, "industry", "", "industry (required)")
	runCmd.Flags().StringVar(&runChallenge, "challenge", "", "stated business challenge (required)")
	runCmd.Flags().StringVar(&runSubmissionID, "submission-id", "", "submission id (default: random uuid)")
	runCmd.Flags().StringVar(&runEnrichment, "enrichment", "", "pre-supplied enrichment context as a JSON object")
	runCmd.Flags().StringVar(&runFormat, "format", "json", "output format: json or yaml")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the result to a file instead of stdout")
	_ = runCmd.MarkFlagRequired("company")
	_ = runCmd.MarkFlagRequired("industry")
	_ = runCmd.MarkFlagRequired("challenge")
	rootCmd.AddCommand(runCmd)
}

func validateFormat(format string) error {
	switch format {
	case "json", "yaml":
		return nil
	default:
		return eris.Errorf("unsupported output format %q (want json or yaml)", format)
	}
}

// parseEnrichment decodes the --enrichment flag. An empty flag is no
// enrichment.
func parseEnrichment(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, eris.Wrap(err, "parse --enrichment")
	}
	return m, nil
}

// writeResult renders the final result document as JSON or YAML.
func writeResult(w io.Writer, result *model.FinalResult, format string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "marshal result")
	}

	if format != "yaml" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return eris.Wrap(err, "indent result")
		}
		buf.WriteByte('\n')
		_, err = buf.WriteTo(w)
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "decode result")
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return eris.Wrap(err, "encode yaml")
	}
	return enc.Close()
}
