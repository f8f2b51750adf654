package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hed1ad/hivesense/pkg/classifiers/forest"
	"github.com/hed1ad/hivesense/pkg/features"
)

func newModelCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Work with trained classifier models",
	}
	cmd.AddCommand(newModelInspectCommand(root))
	return cmd
}

func newModelInspectCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH",
		Short: "Describe a model file and check it against the feature schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			ext, err := features.New(cfg.Features)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := forest.Parse(data)
			if err != nil {
				return err
			}

			classes := make([]string, len(f.Classes()))
			for i, c := range f.Classes() {
				classes[i] = string(c)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model:    %s\n", args[0])
			fmt.Fprintf(out, "type:     %s\n", f.Name())
			fmt.Fprintf(out, "classes:  %s\n", strings.Join(classes, ", "))
			fmt.Fprintf(out, "trees:    %d\n", f.Trees())
			fmt.Fprintf(out, "inputs:   %d\n", f.InputSize())
			fmt.Fprintf(out, "features: %d (%s)\n", ext.Len(), strings.Join(ext.FeatureNames(), ", "))

			if f.InputSize() != ext.Len() {
				return fmt.Errorf("model expects %d features, the configured extractor produces %d", f.InputSize(), ext.Len())
			}
			return nil
		},
	}
}
