// Command impulsectl is the operator CLI for impulsed: it drives the
// daemon's secondary HTTP endpoints (sync/preferences/reset/consolidate/
// health) so an operator never has to hand-craft requests with curl.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var addr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "impulsectl",
	Short: "Operator CLI for the impulsed purchase-analysis daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the impulsed HTTP API")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(preferencesCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(healthCmd)

	preferencesCmd.Flags().Float64("budget", 0, "Monthly budget ceiling")
	preferencesCmd.Flags().Float64("threshold", 0, "Single-purchase threshold above which scrutiny increases")
	preferencesCmd.Flags().String("sensitivity", "medium", "Intervention sensitivity: low, medium, or high")
	preferencesCmd.Flags().String("goals", "", "Free-text financial goals")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a full re-index of the memory files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/v1/sync", nil)
	},
}

var preferencesCmd = &cobra.Command{
	Use:   "preferences",
	Short: "Update budget, threshold, sensitivity, and financial goals",
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetFloat64("budget")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		sensitivity, _ := cmd.Flags().GetString("sensitivity")
		goals, _ := cmd.Flags().GetString("goals")
		body := map[string]any{
			"budget": budget, "threshold": threshold, "sensitivity": sensitivity,
		}
		if goals != "" {
			body["financial_goals"] = goals
		}
		return postAndPrint("/v1/preferences", body)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite all memory files with their templates and purge the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/v1/reset", nil)
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run the consolidation sweep over all memory files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/v1/consolidate", nil)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report daemon health: index state, LLM and scorer availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint("/v1/health")
	},
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func postAndPrint(path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("impulsectl: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	resp, err := httpClient.Post(addr+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("impulsectl: request %s: %w", path, err)
	}
	return printResponse(resp)
}

func getAndPrint(path string) error {
	resp, err := httpClient.Get(addr + path)
	if err != nil {
		return fmt.Errorf("impulsectl: request %s: %w", path, err)
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("impulsectl: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("impulsectl: server returned %s: %s", resp.Status, raw)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
