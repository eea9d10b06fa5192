package app

import (
	"errors"
	"time"

	"pipeflow/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreateIndexes adds the composite indexes the engine's hot queries use.
func CreateIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_automations_pipe_trigger ON automations(pipe_id, trigger_type, enabled)",
		"CREATE INDEX IF NOT EXISTS idx_automation_logs_card_executed ON automation_logs(card_id, executed_at)",
		"CREATE INDEX IF NOT EXISTS idx_fields_card_key ON fields(card_id, key)",
		"CREATE INDEX IF NOT EXISTS idx_form_submissions_card_created ON form_submissions(card_id, created_at)",
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}

// Seed 创建一个演示用的销售管道，已存在时跳过
func Seed(db *gorm.DB) error {
	var existing models.Pipe
	err := db.First(&existing, "id = ?", "demo-sales").Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now()
	return db.Transaction(func(tx *gorm.DB) error {
		records := []interface{}{
			&models.Pipe{ID: "demo-sales", Name: "Sales", CreatedAt: now},
			&models.Stage{ID: "demo-lead", PipeID: "demo-sales", Name: "Lead", Position: 0},
			&models.Stage{ID: "demo-qualify", PipeID: "demo-sales", Name: "Qualification", Position: 1},
			&models.Stage{ID: "demo-won", PipeID: "demo-sales", Name: "Won", Position: 2},
			&models.Form{ID: "demo-intake", StageID: "demo-lead", Name: "Intake"},
			&models.Form{ID: "demo-qualify-form", StageID: "demo-qualify", Name: "Qualification Checklist"},
			&models.EmailTemplate{
				ID:      "demo-welcome",
				PipeID:  "demo-sales",
				Name:    "Welcome",
				Subject: "Welcome aboard, {{card.title}}",
				Body:    "Hi,\n\nYour request is now in {{stage.name}}. Please fill out {{form.name}}: {{form.link}}\n",
			},
			&models.Automation{
				ID:            "demo-send-intake",
				PipeID:        "demo-sales",
				Name:          "Send intake form",
				Enabled:       true,
				TriggerType:   models.TriggerCardEntersStage,
				TriggerConfig: datatypes.NewJSONType(models.TriggerConfig{StageID: "demo-lead"}),
				Actions: datatypes.JSONSlice[models.Action]{
					models.NewAction(models.SendFormLinkConfig{FormID: "demo-intake", RecipientField: "email", TemplateID: "demo-welcome"}),
				},
				CreatedAt: now,
				UpdatedAt: now,
			},
			&models.Automation{
				ID:            "demo-qualify-big",
				PipeID:        "demo-sales",
				Name:          "Qualify large budgets",
				Enabled:       true,
				Priority:      1,
				TriggerType:   models.TriggerFormSubmission,
				TriggerConfig: datatypes.NewJSONType(models.TriggerConfig{FormID: "demo-intake"}),
				Conditions: datatypes.NewJSONType(models.Conditions{
					Logic: models.LogicAnd,
					Rules: []models.ConditionRule{{FieldKey: "form:Intake.budget", Operator: models.OpGreaterThan, Value: 10000}},
				}),
				Actions: datatypes.JSONSlice[models.Action]{
					models.NewAction(models.UpdateFieldConfig{FieldKey: "segment", Value: "enterprise"}),
					models.NewAction(models.MoveCardConfig{TargetStageID: "demo-qualify"}),
				},
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		for _, r := range records {
			if err := tx.Create(r).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
