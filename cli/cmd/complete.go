package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/kos/cli/internal/client"
	"github.com/instantcocoa/kos/cli/internal/output"
)

var completeCmd = &cobra.Command{
	Use:   "complete <prompt>",
	Short: "Generate a completion",
	Long:  "Sends a prompt through the orchestration pipeline and prints the response.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		backend, _ := cmd.Flags().GetString("backend")
		model, _ := cmd.Flags().GetString("model")
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		structured, _ := cmd.Flags().GetBool("structured")
		strict, _ := cmd.Flags().GetBool("strict")
		category, _ := cmd.Flags().GetString("category")
		age, _ := cmd.Flags().GetInt("age")

		resp, err := c.Complete(ctx, client.CompleteRequest{
			Prompt:           args[0],
			BackendID:        backend,
			ModelID:          model,
			Temperature:      temperature,
			MaxOutputTokens:  maxTokens,
			ExpectStructured: structured,
			StrictStructured: strict,
			Category:         category,
			PatientAge:       age,
		})
		if err != nil {
			return fmt.Errorf("failed to complete: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(resp)
		}

		if resp.StructuredPayload != nil {
			pretty, err := json.MarshalIndent(resp.StructuredPayload, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render structured payload: %w", err)
			}
			fmt.Println(string(pretty))
		} else {
			fmt.Println(resp.Text)
		}

		if !resp.Safety.Safe {
			output.Error("Safety: %s (%s)", resp.Safety.Reason, resp.Safety.Severity)
		}

		if cfg.Verbose {
			cached := ""
			if resp.Cached {
				cached = " | Cached"
			}
			fmt.Printf("\n---\nBackend: %s | Model: %s | Tokens: %d | Cost: %s%s\n",
				resp.BackendUsed, resp.ModelUsed, resp.TokensIn+resp.TokensOut, output.USD(resp.CostUSD), cached)
		}
		return nil
	},
}

func init() {
	completeCmd.Flags().String("backend", "", "Backend to use (default: cheapest available)")
	completeCmd.Flags().String("model", "", "Model to use")
	completeCmd.Flags().Float64("temperature", 0, "Sampling temperature (0 = backend default)")
	completeCmd.Flags().Int("max-tokens", 1024, "Max output tokens")
	completeCmd.Flags().Bool("structured", false, "Request a structured JSON payload")
	completeCmd.Flags().Bool("strict", false, "Fail when the structured payload cannot be parsed")
	completeCmd.Flags().String("category", "", "Request category (dosage, triage, symptoms, patient_education, general)")
	completeCmd.Flags().Int("age", 0, "Patient age in years (0 = unknown)")
}
