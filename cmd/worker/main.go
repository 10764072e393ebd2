package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"qtube/internal/pipeline"
)

var (
	stagesFlag  []string
	concurrency int
	workerID    string
)

var rootCmd = &cobra.Command{
	Use:          "qtube-worker",
	Short:        "Stage executors for the media pipeline",
	SilenceUsage: true,
}

func init() {
	runCmd.Flags().StringSliceVar(&stagesFlag, "stages", pipeline.Stages, "Stages to consume")
	runCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent handlers (defaults to QTUBE_WORKER_CONCURRENCY)")
	runCmd.Flags().StringVar(&workerID, "worker-id", "", "Identifier used in logs (defaults to the hostname)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseStages(raw []string) ([]string, error) {
	var out []string
	for _, s := range raw {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || slices.Contains(out, s) {
			continue
		}
		if !slices.Contains(pipeline.Stages, s) {
			return nil, fmt.Errorf("unknown stage %q (want one of %s)", s, strings.Join(pipeline.Stages, ", "))
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	return out, nil
}

func resolveWorkerID(flag string) string {
	if flag != "" {
		return flag
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
