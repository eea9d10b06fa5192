package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pipeflow/internal/models"
	"pipeflow/pkg/mailer"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EmailSender delivers one rendered message.
type EmailSender interface {
	Send(ctx context.Context, msg *mailer.Message) (*mailer.SendResult, error)
}

// CascadeScheduler accepts follow-up runs produced by move_card.
type CascadeScheduler interface {
	Enqueue(req CascadeRequest) bool
}

// IDGenerator produces unique ids for rows the engine creates.
type IDGenerator func() string

// DefaultIDGenerator 使用 UUID v4
func DefaultIDGenerator() string { return uuid.NewString() }

// ActionOptions carries the deployment-specific knobs of the executor.
type ActionOptions struct {
	FormLinkBaseURL string
	DefaultFrom     string
	DefaultFromName string
	DefaultSubject  string
	DefaultBody     string
}

const sentViaAutomation = "automation"

// ActionExecutor runs one typed action against a card.
type ActionExecutor struct {
	store   AutomationStore
	sender  EmailSender
	cascade CascadeScheduler
	newID   IDGenerator
	opts    ActionOptions
	logger  *logrus.Logger
	now     func() time.Time
}

func NewActionExecutor(store AutomationStore, sender EmailSender, cascade CascadeScheduler, newID IDGenerator, opts ActionOptions, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if newID == nil {
		newID = DefaultIDGenerator
	}
	return &ActionExecutor{
		store:   store,
		sender:  sender,
		cascade: cascade,
		newID:   newID,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Execute performs a single attempt of action on the card. Failures are
// always *ActionError.
func (e *ActionExecutor) Execute(ctx context.Context, cardID string, action models.Action, depth int) (map[string]interface{}, error) {
	switch cfg := action.Config.(type) {
	case models.SendFormLinkConfig:
		return e.sendFormLink(ctx, cardID, cfg)
	case models.SendEmailConfig:
		return e.sendEmail(ctx, cardID, cfg)
	case models.MoveCardConfig:
		return e.moveCard(ctx, cardID, cfg, depth)
	case models.UpdateFieldConfig:
		return e.updateField(ctx, cardID, cfg)
	default:
		return nil, newActionError(KindUnsupported, "unsupported action type: %s", action.Type)
	}
}

// FormLink builds the stable public link for filling formID on cardID.
func FormLink(baseURL, cardID, formID string) string {
	return fmt.Sprintf("%s/forms/%s?card=%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(formID), url.QueryEscape(cardID))
}

func (e *ActionExecutor) sendFormLink(ctx context.Context, cardID string, cfg models.SendFormLinkConfig) (map[string]interface{}, error) {
	card, err := e.store.LoadCard(ctx, cardID)
	if err != nil {
		return nil, storageActionError("card", err)
	}

	var tpl *models.EmailTemplate
	if cfg.TemplateID != "" {
		if tpl, err = e.store.LoadEmailTemplate(ctx, cfg.TemplateID); err != nil {
			return nil, storageActionError("email template", err)
		}
	}

	recipient := resolveRecipient(card, cfg.RecipientField, tpl)
	if recipient == "" {
		return nil, newActionError(KindValidationMissing, "no recipient email: card field %q is empty and template has no default recipient", cfg.RecipientField)
	}

	form := stageForm(card, cfg.FormID)
	if form == nil {
		return nil, newActionError(KindNotFound, "form %s not found in current stage", cfg.FormID)
	}

	data := templateDataForCard(card)
	link := FormLink(e.opts.FormLinkBaseURL, card.ID, form.ID)
	data.Form = &TemplateForm{ID: form.ID, Name: form.Name, Link: link}

	msg := e.buildMessage(card, recipient, tpl, data)
	if err := e.dispatch(ctx, msg); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"recipient": recipient,
		"form_id":   form.ID,
		"form_link": link,
		"subject":   msg.Subject,
	}, nil
}

func (e *ActionExecutor) sendEmail(ctx context.Context, cardID string, cfg models.SendEmailConfig) (map[string]interface{}, error) {
	if cfg.TemplateID == "" {
		return nil, newActionError(KindNotFound, "email template not specified")
	}
	card, err := e.store.LoadCard(ctx, cardID)
	if err != nil {
		return nil, storageActionError("card", err)
	}
	tpl, err := e.store.LoadEmailTemplate(ctx, cfg.TemplateID)
	if err != nil {
		return nil, storageActionError("email template", err)
	}

	recipient := resolveRecipient(card, cfg.RecipientField, tpl)
	if recipient == "" {
		return nil, newActionError(KindValidationMissing, "no recipient email: card field %q is empty and template has no default recipient", cfg.RecipientField)
	}

	data := templateDataForCard(card)
	if cfg.FormID != "" {
		fc := &TemplateForm{ID: cfg.FormID, Link: FormLink(e.opts.FormLinkBaseURL, card.ID, cfg.FormID)}
		if form := stageForm(card, cfg.FormID); form != nil {
			fc.Name = form.Name
		}
		data.Form = fc
	}

	msg := e.buildMessage(card, recipient, tpl, data)
	if err := e.dispatch(ctx, msg); err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"recipient":   recipient,
		"template_id": tpl.ID,
		"subject":     msg.Subject,
	}
	if data.Form != nil {
		result["form_link"] = data.Form.Link
	}
	return result, nil
}

func (e *ActionExecutor) buildMessage(card *models.Card, recipient string, tpl *models.EmailTemplate, data *TemplateData) *mailer.Message {
	msg := &mailer.Message{
		To:       recipient,
		From:     e.opts.DefaultFrom,
		FromName: e.opts.DefaultFromName,
		Subject:  RenderTemplate(e.opts.DefaultSubject, data),
		Body:     RenderTemplate(e.opts.DefaultBody, data),
		CardID:   card.ID,
		SentVia:  sentViaAutomation,
	}
	if tpl != nil {
		msg.Subject = RenderTemplate(tpl.Subject, data)
		msg.Body = RenderTemplate(tpl.Body, data)
		msg.CC = tpl.CC
		msg.BCC = tpl.BCC
		if tpl.FromEmail != "" {
			msg.From = tpl.FromEmail
		}
		if tpl.FromName != "" {
			msg.FromName = tpl.FromName
		}
	}
	return msg
}

func (e *ActionExecutor) dispatch(ctx context.Context, msg *mailer.Message) error {
	if e.sender == nil {
		return newActionError(KindDispatchFailure, "email sender not configured")
	}
	if _, err := e.sender.Send(ctx, msg); err != nil {
		var de *mailer.DispatchError
		if errors.As(err, &de) {
			return &ActionError{Kind: KindDispatchFailure, Err: de}
		}
		return &ActionError{Kind: KindDispatchFailure, Err: err}
	}
	return nil
}

func (e *ActionExecutor) moveCard(ctx context.Context, cardID string, cfg models.MoveCardConfig, depth int) (map[string]interface{}, error) {
	card, err := e.store.LoadCard(ctx, cardID)
	if err != nil {
		return nil, storageActionError("card", err)
	}
	if cfg.TargetStageID == "" {
		return nil, newActionError(KindNotFound, "target stage not specified")
	}
	target, err := e.store.LoadStage(ctx, cfg.TargetStageID)
	if err != nil {
		return nil, storageActionError("target stage", err)
	}

	history := &models.CardHistory{
		ID:          e.newID(),
		CardID:      card.ID,
		FromStageID: card.StageID,
		ToStageID:   target.ID,
		ToStageName: target.Name,
		MovedAt:     e.now(),
	}
	if card.Stage != nil {
		history.FromStageName = card.Stage.Name
	}
	if err := e.store.MoveCard(ctx, card.ID, target.ID, history); err != nil {
		return nil, storageActionError("card", err)
	}

	scheduled := false
	if e.cascade != nil {
		scheduled = e.cascade.Enqueue(CascadeRequest{
			Ctx:     context.WithoutCancel(ctx),
			PipeID:  card.PipeID,
			CardID:  card.ID,
			StageID: target.ID,
			Depth:   depth + 1,
		})
	}
	return map[string]interface{}{
		"from_stage_id":     history.FromStageID,
		"to_stage_id":       history.ToStageID,
		"history_id":        history.ID,
		"cascade_scheduled": scheduled,
	}, nil
}

func (e *ActionExecutor) updateField(ctx context.Context, cardID string, cfg models.UpdateFieldConfig) (map[string]interface{}, error) {
	if cfg.FieldKey == "" {
		return nil, newActionError(KindValidationMissing, "field key not specified")
	}
	value, err := models.EncodeFieldValue(cfg.Value)
	if err != nil {
		return nil, newActionError(KindValidationMissing, "encode field value: %v", err)
	}
	newID := e.newID()
	field, err := e.store.UpsertField(ctx, cardID, cfg.FieldKey, value, newID)
	if err != nil {
		return nil, &ActionError{Kind: KindStorageFailure, Err: fmt.Errorf("write field %s: %w", cfg.FieldKey, err)}
	}
	return map[string]interface{}{
		"field_key": field.Key,
		"value":     json.RawMessage(field.Value),
		"created":   field.ID == newID,
	}, nil
}

// resolveRecipient prefers the card field, then the template's default.
func resolveRecipient(card *models.Card, recipientField string, tpl *models.EmailTemplate) string {
	if recipientField != "" {
		if f := card.FieldByKey(recipientField); f != nil {
			if v := strings.TrimSpace(coerceString(f.Decoded())); v != "" {
				return v
			}
		}
	}
	if tpl != nil {
		return strings.TrimSpace(tpl.DefaultTo)
	}
	return ""
}

func stageForm(card *models.Card, formID string) *models.Form {
	if card.Stage == nil || formID == "" {
		return nil
	}
	for i := range card.Stage.Forms {
		if card.Stage.Forms[i].ID == formID {
			return &card.Stage.Forms[i]
		}
	}
	return nil
}
