package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// TriggerType is the event class that makes an automation eligible to run.
type TriggerType string

const (
	TriggerFormSubmission  TriggerType = "form_submission"
	TriggerCardEntersStage TriggerType = "card_enters_stage"
	TriggerCardFieldValue  TriggerType = "card_field_value"
	TriggerManual          TriggerType = "manual"
)

// IsValid reports whether t is one of the known trigger types.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerFormSubmission, TriggerCardEntersStage, TriggerCardFieldValue, TriggerManual:
		return true
	default:
		return false
	}
}

// TriggerConfig narrows a trigger. Which fields are meaningful depends on the
// owning automation's TriggerType:
//   - form_submission:   FormID
//   - card_enters_stage: StageID
//   - card_field_value:  FieldKey, Operator (default equals), Value
//   - manual:            none
type TriggerConfig struct {
	FormID   string      `json:"form_id,omitempty"`
	StageID  string      `json:"stage_id,omitempty"`
	FieldKey string      `json:"field_key,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// Operator is a comparison operator used by conditions and field triggers.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIsFilled    Operator = "is_filled"
	OpIsEmpty     Operator = "is_empty"
)

// ConditionLogic combines rule results.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// ConditionRule is a single predicate. FieldKey is either a bare card field
// key or a qualified form reference "form:<FormName>.<fieldName>".
type ConditionRule struct {
	FieldKey string      `json:"field_key" validate:"required"`
	Operator Operator    `json:"operator" validate:"required,oneof=equals not_equals contains greater_than less_than is_filled is_empty"`
	Value    interface{} `json:"value,omitempty"`
}

// Conditions gates action execution. An empty rule list means "no conditions".
type Conditions struct {
	Logic ConditionLogic  `json:"logic,omitempty" validate:"omitempty,oneof=AND OR"`
	Rules []ConditionRule `json:"rules,omitempty" validate:"dive"`
}

// HasRules reports whether any rule is configured.
func (c Conditions) HasRules() bool { return len(c.Rules) > 0 }

// ActionType is the discriminant of Action.
type ActionType string

const (
	ActionSendFormLink ActionType = "send_form_link"
	ActionSendEmail    ActionType = "send_email"
	ActionMoveCard     ActionType = "move_card"
	ActionUpdateField  ActionType = "update_field"
)

// ActionConfig is implemented by every typed action payload.
type ActionConfig interface {
	ActionType() ActionType
}

type SendFormLinkConfig struct {
	FormID         string `json:"form_id" validate:"required"`
	RecipientField string `json:"recipient_field,omitempty"`
	TemplateID     string `json:"template_id,omitempty"`
}

type SendEmailConfig struct {
	TemplateID     string `json:"template_id" validate:"required"`
	RecipientField string `json:"recipient_field,omitempty"`
	FormID         string `json:"form_id,omitempty"`
}

type MoveCardConfig struct {
	TargetStageID string `json:"target_stage_id" validate:"required"`
}

type UpdateFieldConfig struct {
	FieldKey string      `json:"field_key" validate:"required"`
	Value    interface{} `json:"value"`
}

// UnknownActionConfig keeps the raw payload of an action type this build does
// not understand, so loading never fails and the executor can report it.
type UnknownActionConfig struct {
	Type ActionType
	Raw  json.RawMessage
}

func (SendFormLinkConfig) ActionType() ActionType    { return ActionSendFormLink }
func (SendEmailConfig) ActionType() ActionType       { return ActionSendEmail }
func (MoveCardConfig) ActionType() ActionType        { return ActionMoveCard }
func (UpdateFieldConfig) ActionType() ActionType     { return ActionUpdateField }
func (c UnknownActionConfig) ActionType() ActionType { return c.Type }

func (c UnknownActionConfig) MarshalJSON() ([]byte, error) {
	if len(c.Raw) == 0 {
		return []byte("null"), nil
	}
	return c.Raw, nil
}

// Action is one step of an automation: {"type": "...", "config": {...}}.
type Action struct {
	Type   ActionType
	Config ActionConfig
}

// NewAction wraps a typed config into an Action.
func NewAction(cfg ActionConfig) Action {
	return Action{Type: cfg.ActionType(), Config: cfg}
}

type actionEnvelope struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if a.Config != nil {
		b, err := json.Marshal(a.Config)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(actionEnvelope{Type: a.Type, Config: raw})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	a.Type = env.Type

	var cfg ActionConfig
	switch env.Type {
	case ActionSendFormLink:
		c := SendFormLinkConfig{}
		if err := decodeConfig(env.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionSendEmail:
		c := SendEmailConfig{}
		if err := decodeConfig(env.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionMoveCard:
		c := MoveCardConfig{}
		if err := decodeConfig(env.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionUpdateField:
		c := UpdateFieldConfig{}
		if err := decodeConfig(env.Config, &c); err != nil {
			return err
		}
		cfg = c
	default:
		cfg = UnknownActionConfig{Type: env.Type, Raw: env.Config}
	}
	a.Config = cfg
	return nil
}

func decodeConfig(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode action config: %w", err)
	}
	return nil
}

// 自动化规则定义
type Automation struct {
	ID            string                            `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PipeID        string                            `gorm:"index;not null" json:"pipe_id"`
	StageID       *string                           `gorm:"index" json:"stage_id,omitempty"`
	Name          string                            `gorm:"not null" json:"name"`
	Enabled       bool                              `gorm:"index" json:"enabled"`
	Priority      int                               `json:"priority"`
	TriggerType   TriggerType                       `gorm:"type:varchar(32);index" json:"trigger_type"`
	TriggerConfig datatypes.JSONType[TriggerConfig] `json:"trigger_config"`
	Conditions    datatypes.JSONType[Conditions]    `json:"conditions"`
	Actions       datatypes.JSONSlice[Action]       `json:"actions"`
	CreatedAt     time.Time                         `json:"created_at"`
	UpdatedAt     time.Time                         `json:"updated_at"`
}

// AutomationLogStatus is the terminal state of one execution attempt.
type AutomationLogStatus string

const (
	LogStatusSuccess AutomationLogStatus = "success"
	LogStatusSkipped AutomationLogStatus = "skipped"
	LogStatusError   AutomationLogStatus = "error"
)

// ActionStatus is the outcome of one executed action.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusError   ActionStatus = "error"
)

// ActionExecution records one attempted action inside an AutomationLog.
type ActionExecution struct {
	Type      ActionType             `json:"type"`
	Config    json.RawMessage        `json:"config,omitempty"`
	Status    ActionStatus           `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
}

// 自动化执行审计记录（只追加）
type AutomationLog struct {
	ID              string                               `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AutomationID    string                               `gorm:"index;not null" json:"automation_id"`
	CardID          string                               `gorm:"index;not null" json:"card_id"`
	TriggerType     TriggerType                          `gorm:"type:varchar(32)" json:"trigger_type"`
	Status          AutomationLogStatus                  `gorm:"type:varchar(16);index" json:"status"`
	ConditionsMet   *bool                                `json:"conditions_met"`
	ActionsExecuted datatypes.JSONSlice[ActionExecution] `json:"actions_executed"`
	ErrorMessage    *string                              `gorm:"type:text" json:"error_message"`
	ExecutedAt      time.Time                            `gorm:"index" json:"executed_at"`
}
