package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeworks/forged/internal/build"
)

// --- build ---

var buildCmd = &cobra.Command{
	Use:   "build <instruction...>",
	Short: "Build a project from a natural-language instruction",
	Long: `Build a project from a natural-language instruction.

Examples:
  forged build "number guessing game in python"
  forged build --type cli --name todo "todo list manager with due dates"
  forged build --run-tests --output ./out "REST API for a book library"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instruction := strings.Join(args, " ")
		name, _ := cmd.Flags().GetString("name")
		appType, _ := cmd.Flags().GetString("type")
		strictness, _ := cmd.Flags().GetString("strictness")
		runTests, _ := cmd.Flags().GetBool("run-tests")
		budget, _ := cmd.Flags().GetInt("budget")
		output, _ := cmd.Flags().GetString("output")

		req := build.Request{
			Instruction: instruction,
			AppName:     name,
			AppType:     build.AppType(appType),
			Options: build.Options{
				Strictness:        build.Strictness(strictness),
				RunTests:          runTests,
				TimeBudgetSeconds: budget,
			},
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Building...")
		resp, err := client.post(cmd.Context(), "/build", req)
		if err != nil {
			return err
		}

		var result build.Response
		if err := decodeJSON(resp, &result); err != nil {
			// Failed builds come back with a non-2xx status; the body is
			// still the structured result.
			return err
		}

		if !result.Success {
			printError("Build failed (%s): %s", result.ErrorKind, result.DecisionRationale)
			return fmt.Errorf("build failed")
		}

		label := "built"
		if result.Cached {
			label = "served from cache"
		}
		printSuccess("Project %s: %d file(s), quality %.1f/100", label, len(result.Files), result.QualityScore)
		if result.DecisionRationale != "" {
			printStatus("Decision", "%s", result.DecisionRationale)
		}

		if output != "" {
			if err := writeFiles(output, result.Files); err != nil {
				return err
			}
			printSuccess("Files written to %s", output)
			return nil
		}

		paths := make([]string, 0, len(result.Files))
		for p := range result.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "--- "+p+" ---"), result.Files[p])
		}
		return nil
	},
}

// writeFiles materializes generated files under dir, rejecting any path that
// would escape it.
func writeFiles(dir string, files map[string]string) error {
	for path, content := range files {
		clean := filepath.Clean(path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("refusing to write file outside output directory: %s", path)
		}
		dest := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", path, err)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

func init() {
	buildCmd.Flags().String("name", "", "name for the project")
	buildCmd.Flags().String("type", "", "project type: cli, webapp, api, library, or script")
	buildCmd.Flags().String("strictness", "", "verification strictness: lenient, standard, or strict")
	buildCmd.Flags().Bool("run-tests", false, "run generated validation checks before delivery")
	buildCmd.Flags().Int("budget", 0, "time budget in seconds (0 uses the server default)")
	buildCmd.Flags().String("output", "", "directory to write generated files into (default: print to stdout)")
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List recorded build requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		similarTo, _ := cmd.Flags().GetString("similar-to")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/projects?limit=%d", limit)
		if similarTo != "" {
			path += "&similar_to=" + urlQueryEscape(similarTo)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var records []struct {
			ID             string  `json:"id"`
			RequestSummary string  `json:"request_summary"`
			AppType        string  `json:"app_type"`
			Outcome        string  `json:"outcome"`
			Similarity     float64 `json:"similarity,omitempty"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No projects recorded.")
			return nil
		}

		for _, r := range records {
			summary := r.RequestSummary
			if len(summary) > 80 {
				summary = summary[:80] + "..."
			}
			line := fmt.Sprintf("%s  %-9s  %s",
				colorize(colorCyan, r.ID[:8]), r.Outcome, summary)
			if similarTo != "" {
				line += fmt.Sprintf("  [%.2f]", r.Similarity)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	projectsCmd.Flags().Int("limit", 20, "maximum number of projects to list")
	projectsCmd.Flags().String("similar-to", "", "rank projects by similarity to this instruction")
}

// --- patterns ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show structural patterns detected across delivered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/patterns")
		if err != nil {
			return err
		}

		var patterns []struct {
			Signature       string `json:"signature"`
			OccurrenceCount int    `json:"occurrence_count"`
		}
		if err := decodeJSON(resp, &patterns); err != nil {
			return err
		}

		if len(patterns) == 0 {
			fmt.Println("No patterns detected yet.")
			return nil
		}

		for _, p := range patterns {
			fmt.Printf("%4d  %s\n", p.OccurrenceCount, p.Signature)
		}
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the artifact cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy and hit rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache/stats")
		if err != nil {
			return err
		}

		var stats struct {
			Size     int     `json:"size"`
			Capacity int     `json:"capacity"`
			HitRate  float64 `json:"hit_rate"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Entries", "%d / %d", stats.Size, stats.Capacity)
		printStatus("Hit rate", "%.1f%%", stats.HitRate*100)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show pipeline health from the self-repair monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			return err
		}

		var health any
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	},
}
