package cli

import (
	"fmt"
	"os"

	"pipeflow/internal/app"
	"pipeflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	flagImportFile string
	flagImportPipe string
	flagDryRun     bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import automation definitions from a YAML file",
	Example: `  pipeflow import -f rules.yaml --pipe P1
  pipeflow import -f rules.yaml --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		file, err := os.Open(flagImportFile)
		if err != nil {
			return err
		}
		defer file.Close()

		db, err := app.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		if flagDryRun {
			tx := db.Begin()
			defer tx.Rollback()
			db = tx
		}
		admin := services.NewAutomationAdminService(db, nil, logger)

		created, err := admin.ImportYAML(cmd.Context(), file, flagImportPipe)
		if err != nil {
			return err
		}
		for _, a := range created {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", a.ID, a.TriggerType, a.Name)
		}
		if flagDryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "dry run: %d automations validated, nothing written\n", len(created))
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&flagImportFile, "file", "f", "", "YAML file with an automations list")
	importCmd.Flags().StringVar(&flagImportPipe, "pipe", "", "override the pipe of every definition")
	importCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate and roll back")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
