package services

import (
	"regexp"
	"strings"

	"pipeflow/internal/models"
)

// TemplateCard is the card bucket available to templates.
type TemplateCard struct {
	Title       string
	Description string
	Fields      map[string]interface{}
}

// TemplateForm is the form bucket available to templates.
type TemplateForm struct {
	ID   string
	Name string
	Link string
}

// TemplateNamed is used for the stage and pipe buckets.
type TemplateNamed struct {
	Name string
}

// TemplateData holds the buckets a template may reference. A nil bucket
// leaves its tokens untouched in the output.
type TemplateData struct {
	Card  *TemplateCard
	Form  *TemplateForm
	Stage *TemplateNamed
	Pipe  *TemplateNamed
}

var templateTokenRe = regexp.MustCompile(`\{\{\s*(card|form|stage|pipe)\.([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderTemplate replaces {{bucket.path}} tokens in text with values from data.
func RenderTemplate(text string, data *TemplateData) string {
	if text == "" || data == nil {
		return text
	}
	return templateTokenRe.ReplaceAllStringFunc(text, func(token string) string {
		m := templateTokenRe.FindStringSubmatch(token)
		value, ok := data.lookup(m[1], m[2])
		if !ok {
			return token
		}
		return renderValue(value)
	})
}

// lookup returns (value, true) when the bucket exists. A missing property in
// an existing bucket yields (nil, true) and renders as "".
func (d *TemplateData) lookup(bucket, path string) (interface{}, bool) {
	switch bucket {
	case "card":
		if d.Card == nil {
			return nil, false
		}
		switch {
		case path == "title":
			return d.Card.Title, true
		case path == "description":
			return d.Card.Description, true
		case strings.HasPrefix(path, "field."):
			return d.Card.Fields[strings.TrimPrefix(path, "field.")], true
		}
		return nil, true
	case "form":
		if d.Form == nil {
			return nil, false
		}
		switch path {
		case "link":
			return d.Form.Link, true
		case "name":
			return d.Form.Name, true
		case "id":
			return d.Form.ID, true
		}
		return nil, true
	case "stage":
		if d.Stage == nil {
			return nil, false
		}
		if path == "name" {
			return d.Stage.Name, true
		}
		return nil, true
	case "pipe":
		if d.Pipe == nil {
			return nil, false
		}
		if path == "name" {
			return d.Pipe.Name, true
		}
		return nil, true
	}
	return nil, false
}

func renderValue(v interface{}) string {
	switch b := v.(type) {
	case nil:
		return ""
	case bool:
		if b {
			return "Yes"
		}
		return "No"
	}
	return coerceString(v)
}

// templateDataForCard builds the card/stage/pipe buckets from a loaded card.
func templateDataForCard(card *models.Card) *TemplateData {
	data := &TemplateData{
		Card: &TemplateCard{
			Title:       card.Title,
			Description: card.Description,
			Fields:      make(map[string]interface{}, len(card.Fields)),
		},
	}
	for _, f := range card.Fields {
		data.Card.Fields[f.Key] = f.Decoded()
	}
	if card.Stage != nil {
		data.Stage = &TemplateNamed{Name: card.Stage.Name}
	}
	if card.Pipe != nil {
		data.Pipe = &TemplateNamed{Name: card.Pipe.Name}
	}
	return data
}
