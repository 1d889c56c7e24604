package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/razelbuild/razel/internal/buildfile"
)

var importOutput string

var importCmd = &cobra.Command{
	Use:   "import <batch-file>",
	Short: "Convert a batch file to razel.jsonl",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := buildfile.ImportBatch(args[0], importOutput)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d commands into %s\n", count, importOutput)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importOutput, "output", "o", "razel.jsonl", "Output build file")
	rootCmd.AddCommand(importCmd)
}
