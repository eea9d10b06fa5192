package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationRunner is the engine surface the card operations depend on.
type AutomationRunner interface {
	Run(ctx context.Context, req RunRequest) (*Report, error)
}

// CardService performs user-facing card writes and then triggers the
// automation engine. Engine failures are logged and never fail the write.
type CardService struct {
	db     *gorm.DB
	store  AutomationStore
	engine AutomationRunner
	newID  IDGenerator
	logger *logrus.Logger
}

func NewCardService(db *gorm.DB, store AutomationStore, engine AutomationRunner, newID IDGenerator, logger *logrus.Logger) *CardService {
	if logger == nil {
		logger = logrus.New()
	}
	if newID == nil {
		newID = DefaultIDGenerator
	}
	return &CardService{db: db, store: store, engine: engine, newID: newID, logger: logger}
}

// GetCard 读取卡片及其字段、提交记录
func (s *CardService) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	return s.store.LoadCard(ctx, cardID)
}

// MoveCard 移动卡片并触发 card_enters_stage
func (s *CardService) MoveCard(ctx context.Context, cardID, stageID string) (*models.CardHistory, *Report, error) {
	card, err := s.store.LoadCard(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	target, err := s.store.LoadStage(ctx, stageID)
	if err != nil {
		return nil, nil, fmt.Errorf("load stage %s: %w", stageID, err)
	}
	if target.PipeID != card.PipeID {
		return nil, nil, fmt.Errorf("stage %s does not belong to pipe %s", stageID, card.PipeID)
	}

	history := &models.CardHistory{
		ID:          s.newID(),
		CardID:      card.ID,
		FromStageID: card.StageID,
		ToStageID:   target.ID,
		ToStageName: target.Name,
		MovedAt:     time.Now(),
	}
	if card.Stage != nil {
		history.FromStageName = card.Stage.Name
	}
	if err := s.store.MoveCard(ctx, card.ID, target.ID, history); err != nil {
		return nil, nil, err
	}

	report := s.trigger(ctx, RunRequest{
		TriggerType: models.TriggerCardEntersStage,
		CardID:      card.ID,
		PipeID:      card.PipeID,
		Context:     &TriggerContext{StageID: target.ID},
	})
	return history, report, nil
}

// UpdateField 写入字段并触发 card_field_value
func (s *CardService) UpdateField(ctx context.Context, cardID, key string, value interface{}) (*models.Field, *Report, error) {
	if key == "" {
		return nil, nil, fmt.Errorf("field key required")
	}
	card, err := s.store.LoadCard(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := models.EncodeFieldValue(value)
	if err != nil {
		return nil, nil, fmt.Errorf("encode field value: %w", err)
	}
	field, err := s.store.UpsertField(ctx, card.ID, key, encoded, s.newID())
	if err != nil {
		return nil, nil, err
	}

	report := s.trigger(ctx, RunRequest{
		TriggerType: models.TriggerCardFieldValue,
		CardID:      card.ID,
		PipeID:      card.PipeID,
		Context:     &TriggerContext{FieldKey: key, FieldValue: value},
	})
	return field, report, nil
}

// SubmitForm 保存表单提交并触发 form_submission
func (s *CardService) SubmitForm(ctx context.Context, cardID, formID string, responses map[string]interface{}) (*models.FormSubmission, *Report, error) {
	card, err := s.store.LoadCard(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	var form models.Form
	if err := s.db.WithContext(ctx).First(&form, "id = ?", formID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("form %s: %w", formID, ErrNotFound)
		}
		return nil, nil, err
	}

	sub := &models.FormSubmission{
		ID:        s.newID(),
		FormID:    form.ID,
		CardID:    card.ID,
		Responses: datatypes.JSONMap(responses),
		CreatedAt: time.Now(),
	}
	if sub.Responses == nil {
		sub.Responses = datatypes.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, nil, err
	}

	report := s.trigger(ctx, RunRequest{
		TriggerType: models.TriggerFormSubmission,
		CardID:      card.ID,
		PipeID:      card.PipeID,
		Context:     &TriggerContext{FormID: form.ID},
	})
	return sub, report, nil
}

func (s *CardService) trigger(ctx context.Context, req RunRequest) *Report {
	if s.engine == nil {
		return nil
	}
	report, err := s.engine.Run(ctx, req)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"card_id":      req.CardID,
			"trigger_type": req.TriggerType,
		}).Warnf("automation: run failed: %v", err)
		return nil
	}
	return report
}
