package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 流水线（看板）
type Pipe struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Stages []Stage `gorm:"foreignKey:PipeID" json:"stages,omitempty"`
}

// 阶段（看板列）
type Stage struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PipeID    string    `gorm:"index;not null" json:"pipe_id"`
	Name      string    `gorm:"not null" json:"name"`
	Position  int       `gorm:"default:0" json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Forms []Form `gorm:"foreignKey:StageID" json:"forms,omitempty"`
}

// 卡片
type Card struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PipeID      string    `gorm:"index;not null" json:"pipe_id"`
	StageID     string    `gorm:"index;not null" json:"stage_id"`
	Title       string    `json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Pipe            *Pipe            `gorm:"foreignKey:PipeID" json:"pipe,omitempty"`
	Stage           *Stage           `gorm:"foreignKey:StageID" json:"stage,omitempty"`
	Fields          []Field          `gorm:"foreignKey:CardID" json:"fields,omitempty"`
	FormSubmissions []FormSubmission `gorm:"foreignKey:CardID" json:"form_submissions,omitempty"`
}

// FieldByKey returns the card field with the given key, or nil.
func (c *Card) FieldByKey(key string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Key == key {
			return &c.Fields[i]
		}
	}
	return nil
}

// 卡片字段（key/value）
type Field struct {
	ID        string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CardID    string         `gorm:"index;not null" json:"card_id"`
	Key       string         `gorm:"index;not null" json:"key"`
	Type      string         `gorm:"default:'text'" json:"type"`
	Value     datatypes.JSON `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Decoded returns the JSON-decoded field value. Values that are not valid
// JSON are returned as raw strings.
func (f Field) Decoded() interface{} {
	if len(f.Value) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(f.Value, &v); err != nil {
		return string(f.Value)
	}
	return v
}

// EncodeFieldValue converts a supplied value into the stored JSON form.
func EncodeFieldValue(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// 表单（挂在阶段上）
type Form struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	StageID   string    `gorm:"index;not null" json:"stage_id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 表单提交
type FormSubmission struct {
	ID        string            `gorm:"primaryKey;type:varchar(64)" json:"id"`
	FormID    string            `gorm:"index;not null" json:"form_id"`
	CardID    string            `gorm:"index;not null" json:"card_id"`
	Responses datatypes.JSONMap `json:"responses"`
	CreatedAt time.Time         `json:"created_at"`

	Form *Form `gorm:"foreignKey:FormID" json:"form,omitempty"`
}

// 邮件模板
type EmailTemplate struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PipeID    string    `gorm:"index" json:"pipe_id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	DefaultTo string    `json:"default_to"`
	FromEmail string    `json:"from_email"`
	FromName  string    `json:"from_name"`
	CC        string    `json:"cc"`
	BCC       string    `json:"bcc"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 卡片移动历史
type CardHistory struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CardID        string    `gorm:"index;not null" json:"card_id"`
	FromStageID   string    `json:"from_stage_id"`
	FromStageName string    `json:"from_stage_name"`
	ToStageID     string    `json:"to_stage_id"`
	ToStageName   string    `json:"to_stage_name"`
	MovedAt       time.Time `gorm:"index" json:"moved_at"`
}

// AllModels lists every table the application migrates.
func AllModels() []interface{} {
	return []interface{}{
		&Pipe{}, &Stage{}, &Form{}, &Card{}, &Field{}, &FormSubmission{},
		&EmailTemplate{}, &CardHistory{}, &Automation{}, &AutomationLog{},
	}
}
