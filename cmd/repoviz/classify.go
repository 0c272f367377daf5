package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"repoviz/internal/classify"
)

var classifyCmd = &cobra.Command{
	Use:   "classify FILE...",
	Short: "Report which files would be summarized",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(_ *cobra.Command, args []string) error {
	out := make(map[string]bool, len(args))
	for _, name := range args {
		out[name] = classify.IsSummarizable(name)
	}
	if outputFormat == "json" {
		return printJSON(out)
	}
	for _, name := range args {
		mark := "skip"
		if out[name] {
			mark = "summarize"
		}
		fmt.Printf("%-10s %s\n", mark, name)
	}
	return nil
}
