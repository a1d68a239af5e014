package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Removes the crawler's queues, ledger and session from the grid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Clean(cmd.Context()); err != nil {
				return fmt.Errorf("clean: %w", err)
			}
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "stop",
		Short:       "Asks every node running the crawler to stop",
		Annotations: map[string]string{gridOnly: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			control, err := resolveControl(cmd.Context())
			if err != nil {
				return err
			}
			if err := control.Stop(cmd.Context()); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		dir    string
		pretty bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes the crawler's grid state to a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			path, err := appInstance.Export(cmd.Context(), dir, pretty)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to write the export to (default crawler.work_dir)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the exported JSON")
	return cmd
}

func newImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replaces the crawler's grid state with an exported file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Import(cmd.Context(), file); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			appInstance.Logger().Info("import finished", zap.String("file", file))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "export file to import")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
