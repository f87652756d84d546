package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/popanneal/internal/store"
)

var (
	reportCheckpoint  string
	reportSpecialists bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect a checkpoint file",
	Long: `Loads an optimization checkpoint and prints the best surviving model
of the final generation, optionally followed by the per-objective specialists.`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportCheckpoint, "checkpoint", "", "Checkpoint file path (required)")
	reportCmd.Flags().BoolVar(&reportSpecialists, "specialists", false, "Also print the per-objective specialists")

	reportCmd.MarkFlagRequired("checkpoint")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	report, err := store.LoadReport(reportCheckpoint)
	if err != nil {
		return err
	}
	best, err := report.Best()
	if err != nil {
		return err
	}
	fmt.Printf("Best of %d survivors:\n", len(report.Survivors))
	if err := report.Write(os.Stdout, best); err != nil {
		return err
	}
	if !reportSpecialists {
		return nil
	}
	for _, objective := range report.ObjectiveNames {
		specialist, ok := report.Specialists[objective]
		if !ok {
			continue
		}
		fmt.Printf("\nSpecialist for %s:\n", objective)
		if err := report.Write(os.Stdout, specialist); err != nil {
			return err
		}
	}
	return nil
}
