package services

import (
	"strings"

	"pipeflow/internal/models"
)

// TriggerContext narrows an inbound event. Only the fields relevant to the
// trigger type are consulted.
type TriggerContext struct {
	FormID     string      `json:"form_id,omitempty"`
	StageID    string      `json:"stage_id,omitempty"`
	FieldKey   string      `json:"field_key,omitempty"`
	FieldValue interface{} `json:"field_value,omitempty"`
}

// MatchTrigger reports whether a trigger configuration matches the event
// context. A nil context matches every trigger; unknown trigger types never
// match.
func MatchTrigger(triggerType models.TriggerType, cfg models.TriggerConfig, tc *TriggerContext) bool {
	if tc == nil {
		return true
	}
	switch triggerType {
	case models.TriggerFormSubmission:
		return cfg.FormID == tc.FormID
	case models.TriggerCardEntersStage:
		return cfg.StageID == tc.StageID
	case models.TriggerCardFieldValue:
		if cfg.FieldKey != tc.FieldKey {
			return false
		}
		actual := coerceString(tc.FieldValue)
		expected := coerceString(cfg.Value)
		switch cfg.Operator {
		case "", models.OpEquals:
			return actual == expected
		case models.OpNotEquals:
			return actual != expected
		case models.OpContains:
			return strings.Contains(actual, expected)
		default:
			return false
		}
	case models.TriggerManual:
		return true
	default:
		return false
	}
}
