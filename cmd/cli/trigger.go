package cli

import (
	"encoding/json"
	"os"

	"pipeflow/internal/app"
	"pipeflow/internal/models"
	"pipeflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	flagTriggerType string
	flagCardID      string
	flagPipeID      string
	flagStageID     string
	flagFormID      string
	flagFieldKey    string
	flagFieldValue  string
)

// triggerCmd runs the engine once and prints the report.
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run the automations of a pipe for one card and print the report",
	Example: `  pipeflow trigger --type manual --card C1 --pipe P1
  pipeflow trigger --type card_enters_stage --card C1 --pipe P1 --stage S2
  pipeflow trigger --type card_field_value --card C1 --pipe P1 --field priority --value '"high"'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		application := app.New(cfg, db, nil, logger)
		defer application.Close()

		req := buildRunRequest()
		report, err := application.Engine.Run(cmd.Context(), req)
		if err != nil {
			return err
		}
		application.Engine.WaitForCascades()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	f := triggerCmd.Flags()
	f.StringVar(&flagTriggerType, "type", string(models.TriggerManual), "trigger type")
	f.StringVar(&flagCardID, "card", "", "card id")
	f.StringVar(&flagPipeID, "pipe", "", "pipe id")
	f.StringVar(&flagStageID, "stage", "", "stage entered (card_enters_stage)")
	f.StringVar(&flagFormID, "form", "", "form submitted (form_submission)")
	f.StringVar(&flagFieldKey, "field", "", "field key (card_field_value)")
	f.StringVar(&flagFieldValue, "value", "", "field value, parsed as JSON when possible")
	_ = triggerCmd.MarkFlagRequired("card")
	_ = triggerCmd.MarkFlagRequired("pipe")
	rootCmd.AddCommand(triggerCmd)
}

func buildRunRequest() services.RunRequest {
	req := services.RunRequest{
		TriggerType: models.TriggerType(flagTriggerType),
		CardID:      flagCardID,
		PipeID:      flagPipeID,
	}
	if flagStageID != "" || flagFormID != "" || flagFieldKey != "" {
		req.Context = &services.TriggerContext{
			FormID:     flagFormID,
			StageID:    flagStageID,
			FieldKey:   flagFieldKey,
			FieldValue: parseValue(flagFieldValue),
		}
	}
	return req
}

// parseValue 尝试按 JSON 解析，失败则当作字符串
func parseValue(s string) interface{} {
	if s == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
