package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"pipeflow/internal/models"
)

const formFieldPrefix = "form:"

// ConditionEvaluator resolves rule operands against a card's fields and form
// submissions.
type ConditionEvaluator struct {
	store AutomationStore
}

func NewConditionEvaluator(store AutomationStore) *ConditionEvaluator {
	return &ConditionEvaluator{store: store}
}

// Evaluate loads the card once and combines rule results with the configured
// logic. Callers skip it when no rules exist.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, conds models.Conditions, cardID string) (bool, error) {
	card, err := e.store.LoadCard(ctx, cardID)
	if err != nil {
		return false, err
	}
	return EvaluateConditions(conds, card), nil
}

// EvaluateConditions is the storage-free core of Evaluate.
func EvaluateConditions(conds models.Conditions, card *models.Card) bool {
	if !conds.HasRules() {
		return true
	}
	or := strings.EqualFold(string(conds.Logic), string(models.LogicOr))
	for _, rule := range conds.Rules {
		value, present := resolveOperand(rule.FieldKey, card)
		ok := applyOperator(rule.Operator, value, present, rule.Value)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

// resolveOperand looks up a bare card field key or a form:<Form>.<field>
// reference. The form qualifier matches the form's display name
// case-insensitively, or its id; the most recent submission wins.
func resolveOperand(fieldKey string, card *models.Card) (interface{}, bool) {
	if card == nil {
		return nil, false
	}
	if strings.HasPrefix(fieldKey, formFieldPrefix) {
		ref := strings.TrimPrefix(fieldKey, formFieldPrefix)
		dot := strings.LastIndex(ref, ".")
		if dot <= 0 || dot == len(ref)-1 {
			return nil, false
		}
		formRef, field := ref[:dot], ref[dot+1:]

		var latest *models.FormSubmission
		for i := range card.FormSubmissions {
			sub := &card.FormSubmissions[i]
			if !submissionMatchesForm(sub, formRef) {
				continue
			}
			if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
				latest = sub
			}
		}
		if latest == nil {
			return nil, false
		}
		v, ok := latest.Responses[field]
		return v, ok
	}

	f := card.FieldByKey(fieldKey)
	if f == nil {
		return nil, false
	}
	return f.Decoded(), true
}

func submissionMatchesForm(sub *models.FormSubmission, formRef string) bool {
	if sub.FormID == formRef {
		return true
	}
	return sub.Form != nil && strings.EqualFold(sub.Form.Name, formRef)
}

func applyOperator(op models.Operator, actual interface{}, present bool, expected interface{}) bool {
	filled := present && isFilled(actual)
	switch op {
	case models.OpIsFilled:
		return filled
	case models.OpIsEmpty:
		return !filled
	}
	// 缺失值只满足 is_empty
	if !present {
		return false
	}
	switch op {
	case models.OpEquals:
		return coerceString(actual) == coerceString(expected)
	case models.OpNotEquals:
		return coerceString(actual) != coerceString(expected)
	case models.OpContains:
		return strings.Contains(coerceString(actual), coerceString(expected))
	case models.OpGreaterThan:
		a, b := coerceNumber(actual), coerceNumber(expected)
		return !math.IsNaN(a) && !math.IsNaN(b) && a > b
	case models.OpLessThan:
		a, b := coerceNumber(actual), coerceNumber(expected)
		return !math.IsNaN(a) && !math.IsNaN(b) && a < b
	default:
		return false
	}
}

func isFilled(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return strings.TrimSpace(coerceString(v)) != ""
}

// coerceString renders a decoded JSON value as a comparison string.
func coerceString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	case []interface{}, map[string]interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceNumber returns NaN for values that are not numeric.
func coerceNumber(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
