package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"pipeflow/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAutomationNotFound is returned by admin operations on unknown ids.
var ErrAutomationNotFound = errors.New("automation not found")

// AutomationRequest 创建自动化的请求
type AutomationRequest struct {
	PipeID        string               `json:"pipe_id" validate:"required"`
	StageID       *string              `json:"stage_id,omitempty"`
	Name          string               `json:"name" validate:"required,max=200"`
	Enabled       *bool                `json:"enabled,omitempty"`
	Priority      int                  `json:"priority"`
	TriggerType   models.TriggerType   `json:"trigger_type" validate:"required,trigger_type"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`
	Conditions    models.Conditions    `json:"conditions"`
	Actions       []models.Action      `json:"actions"`
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	CardID       string
	AutomationID string
	Limit        int
}

// AutomationAdminService manages automation definitions and reads the audit
// trail.
type AutomationAdminService struct {
	db       *gorm.DB
	validate *validator.Validate
	newID    IDGenerator
	logger   *logrus.Logger
}

func NewAutomationAdminService(db *gorm.DB, newID IDGenerator, logger *logrus.Logger) *AutomationAdminService {
	if logger == nil {
		logger = logrus.New()
	}
	if newID == nil {
		newID = DefaultIDGenerator
	}
	v := validator.New()
	_ = RegisterAutomationValidators(v)
	return &AutomationAdminService{db: db, validate: v, newID: newID, logger: logger}
}

// RegisterAutomationValidators registers the custom tags used by
// AutomationRequest.
func RegisterAutomationValidators(v *validator.Validate) error {
	return v.RegisterValidation("trigger_type", func(fl validator.FieldLevel) bool {
		return models.TriggerType(fl.Field().String()).IsValid()
	})
}

// Validate checks the request shape, the trigger config required by the
// trigger type and every action config.
func (s *AutomationAdminService) Validate(req *AutomationRequest) error {
	if req == nil {
		return fmt.Errorf("request required")
	}
	if err := s.validate.Struct(req); err != nil {
		return err
	}

	tc := req.TriggerConfig
	switch req.TriggerType {
	case models.TriggerFormSubmission:
		if tc.FormID == "" {
			return fmt.Errorf("trigger_config.form_id required for %s", req.TriggerType)
		}
	case models.TriggerCardEntersStage:
		if tc.StageID == "" {
			return fmt.Errorf("trigger_config.stage_id required for %s", req.TriggerType)
		}
	case models.TriggerCardFieldValue:
		if tc.FieldKey == "" {
			return fmt.Errorf("trigger_config.field_key required for %s", req.TriggerType)
		}
		switch tc.Operator {
		case "", models.OpEquals, models.OpNotEquals, models.OpContains:
		default:
			return fmt.Errorf("unsupported trigger operator: %s", tc.Operator)
		}
	}

	for i, action := range req.Actions {
		if _, unknown := action.Config.(models.UnknownActionConfig); unknown || action.Config == nil {
			return fmt.Errorf("action %d: unsupported action type: %s", i, action.Type)
		}
		if err := s.validate.Struct(action.Config); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
	}
	return nil
}

// ListAutomations 返回管道下的自动化，按执行顺序排列
func (s *AutomationAdminService) ListAutomations(ctx context.Context, pipeID string) ([]models.Automation, error) {
	var automations []models.Automation
	q := s.db.WithContext(ctx)
	if pipeID != "" {
		q = q.Where("pipe_id = ?", pipeID)
	}
	if err := q.Order("priority ASC").Order("created_at ASC").Order("id ASC").Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

// GetAutomation 获取单个自动化
func (s *AutomationAdminService) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	var auto models.Automation
	if err := s.db.WithContext(ctx).First(&auto, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, err
	}
	return &auto, nil
}

// CreateAutomation 新建自动化
func (s *AutomationAdminService) CreateAutomation(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	auto := s.buildAutomation(req)
	if err := s.db.WithContext(ctx).Create(auto).Error; err != nil {
		return nil, err
	}
	return auto, nil
}

func (s *AutomationAdminService) buildAutomation(req *AutomationRequest) *models.Automation {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	actions := req.Actions
	if actions == nil {
		actions = []models.Action{}
	}
	now := time.Now()
	return &models.Automation{
		ID:            s.newID(),
		PipeID:        req.PipeID,
		StageID:       req.StageID,
		Name:          req.Name,
		Enabled:       enabled,
		Priority:      req.Priority,
		TriggerType:   req.TriggerType,
		TriggerConfig: datatypes.NewJSONType(req.TriggerConfig),
		Conditions:    datatypes.NewJSONType(req.Conditions),
		Actions:       datatypes.JSONSlice[models.Action](actions),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SetEnabled 启用/停用
func (s *AutomationAdminService) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Automation, error) {
	res := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAutomationNotFound
	}
	return s.GetAutomation(ctx, id)
}

// DeleteAutomation 删除自动化，审计日志保留
func (s *AutomationAdminService) DeleteAutomation(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Automation{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

// ListLogs 查询审计日志，最新在前
func (s *AutomationAdminService) ListLogs(ctx context.Context, filter LogFilter) ([]models.AutomationLog, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&models.AutomationLog{})
	if filter.CardID != "" {
		q = q.Where("card_id = ?", filter.CardID)
	}
	if filter.AutomationID != "" {
		q = q.Where("automation_id = ?", filter.AutomationID)
	}
	var logs []models.AutomationLog
	if err := q.Order("executed_at DESC").Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

type automationFile struct {
	Automations []AutomationRequest `json:"automations"`
}

// ImportYAML loads automation definitions from a YAML document of the form
// `automations: [...]`. Keys follow the JSON field names. pipeID, when set,
// overrides every definition's pipe. All definitions are validated before any
// is written, and the writes share one transaction.
func (s *AutomationAdminService) ImportYAML(ctx context.Context, r io.Reader, pipeID string) ([]models.Automation, error) {
	var doc interface{}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	// 经由 JSON 复用 Action 的判别联合解码
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	var file automationFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode automations: %w", err)
	}

	for i := range file.Automations {
		req := &file.Automations[i]
		if pipeID != "" {
			req.PipeID = pipeID
		}
		if err := s.Validate(req); err != nil {
			return nil, fmt.Errorf("automation %d (%s): %w", i, req.Name, err)
		}
	}

	created := make([]models.Automation, 0, len(file.Automations))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range file.Automations {
			auto := s.buildAutomation(&file.Automations[i])
			if err := tx.Create(auto).Error; err != nil {
				return err
			}
			created = append(created, *auto)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithField("count", len(created)).Info("automations imported")
	return created, nil
}
