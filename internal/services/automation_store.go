package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeflow/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationStore is everything the engine reads from and writes to storage.
type AutomationStore interface {
	// LoadPipeAutomations returns the enabled automations of a pipe for one
	// trigger type in execution order. A missing pipe yields ErrNotFound.
	LoadPipeAutomations(ctx context.Context, pipeID string, trigger models.TriggerType) ([]models.Automation, error)
	// LoadCard returns a card with its stage (and the stage's forms), pipe,
	// fields and form submissions.
	LoadCard(ctx context.Context, cardID string) (*models.Card, error)
	LoadStage(ctx context.Context, stageID string) (*models.Stage, error)
	LoadEmailTemplate(ctx context.Context, templateID string) (*models.EmailTemplate, error)
	// MoveCard atomically updates the card's stage and inserts the history row.
	MoveCard(ctx context.Context, cardID, targetStageID string, history *models.CardHistory) error
	// UpsertField overwrites the value of the card's field with key, or creates
	// it with newID and type text.
	UpsertField(ctx context.Context, cardID, key string, value datatypes.JSON, newID string) (*models.Field, error)
	CreateLog(ctx context.Context, log *models.AutomationLog) error
}

// GormAutomationStore implements AutomationStore on gorm.
type GormAutomationStore struct {
	db *gorm.DB
}

func NewGormAutomationStore(db *gorm.DB) *GormAutomationStore {
	return &GormAutomationStore{db: db}
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormAutomationStore) LoadPipeAutomations(ctx context.Context, pipeID string, trigger models.TriggerType) ([]models.Automation, error) {
	var pipe models.Pipe
	if err := s.db.WithContext(ctx).Select("id").First(&pipe, "id = ?", pipeID).Error; err != nil {
		return nil, fmt.Errorf("load pipe %s: %w", pipeID, mapNotFound(err))
	}

	var automations []models.Automation
	err := s.db.WithContext(ctx).
		Where("pipe_id = ? AND enabled = ? AND trigger_type = ?", pipeID, true, trigger).
		Order("priority ASC").Order("created_at ASC").Order("id ASC").
		Find(&automations).Error
	if err != nil {
		return nil, fmt.Errorf("load automations for pipe %s: %w", pipeID, err)
	}
	return automations, nil
}

func (s *GormAutomationStore) LoadCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card models.Card
	err := s.db.WithContext(ctx).
		Preload("Pipe").
		Preload("Stage").
		Preload("Stage.Forms").
		Preload("Fields").
		Preload("FormSubmissions").
		Preload("FormSubmissions.Form").
		First(&card, "id = ?", cardID).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &card, nil
}

func (s *GormAutomationStore) LoadStage(ctx context.Context, stageID string) (*models.Stage, error) {
	var stage models.Stage
	if err := s.db.WithContext(ctx).First(&stage, "id = ?", stageID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &stage, nil
}

func (s *GormAutomationStore) LoadEmailTemplate(ctx context.Context, templateID string) (*models.EmailTemplate, error) {
	var tpl models.EmailTemplate
	if err := s.db.WithContext(ctx).First(&tpl, "id = ?", templateID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &tpl, nil
}

func (s *GormAutomationStore) MoveCard(ctx context.Context, cardID, targetStageID string, history *models.CardHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Card{}).
			Where("id = ?", cardID).
			Updates(map[string]interface{}{
				"stage_id":   targetStageID,
				"updated_at": history.MovedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(history).Error
	})
}

func (s *GormAutomationStore) UpsertField(ctx context.Context, cardID, key string, value datatypes.JSON, newID string) (*models.Field, error) {
	var field models.Field
	err := s.db.WithContext(ctx).Where("card_id = ? AND key = ?", cardID, key).First(&field).Error
	switch {
	case err == nil:
		field.Value = value
		field.UpdatedAt = time.Now()
		if err := s.db.WithContext(ctx).Model(&field).
			Updates(map[string]interface{}{"value": value, "updated_at": field.UpdatedAt}).Error; err != nil {
			return nil, err
		}
		return &field, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		field = models.Field{
			ID:     newID,
			CardID: cardID,
			Key:    key,
			Type:   "text",
			Value:  value,
		}
		if err := s.db.WithContext(ctx).Create(&field).Error; err != nil {
			return nil, err
		}
		return &field, nil
	default:
		return nil, err
	}
}

func (s *GormAutomationStore) CreateLog(ctx context.Context, log *models.AutomationLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}
