package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pipeflow/internal/models"
	"pipeflow/pkg/mailer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestExecutor(t *testing.T, db *gorm.DB, sender EmailSender, cascade CascadeScheduler) *ActionExecutor {
	t.Helper()
	seq := 0
	ids := func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return NewActionExecutor(NewGormAutomationStore(db), sender, cascade, ids, testActionOptions(), quietLogger())
}

func requireActionError(t *testing.T, err error, kind ActionErrorKind) *ActionError {
	t.Helper()
	require.Error(t, err)
	var ae *ActionError
	require.True(t, errors.As(err, &ae), "expected *ActionError, got %T", err)
	assert.Equal(t, kind, ae.Kind)
	return ae
}

func TestFormLink_Deterministic(t *testing.T) {
	a := FormLink("https://app.example.com/", "C1", "F1")
	assert.Equal(t, "https://app.example.com/forms/F1?card=C1", a)
	assert.Equal(t, a, FormLink("https://app.example.com/", "C1", "F1"))
	assert.Equal(t, "https://x/forms/F%201?card=a%26b", FormLink("https://x", "a&b", "F 1"))
}

func TestActionExecutor_SendFormLink(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	sender := &fakeSender{}
	ex := newTestExecutor(t, db, sender, nil)
	ctx := context.Background()

	t.Run("recipient from card field with default copy", func(t *testing.T) {
		res, err := ex.Execute(ctx, "C1", models.NewAction(models.SendFormLinkConfig{FormID: "F1", RecipientField: "email"}), 0)
		require.NoError(t, err)
		assert.Equal(t, "client@example.com", res["recipient"])
		assert.Equal(t, "https://app.example.com/forms/F1?card=C1", res["form_link"])

		msgs := sender.messages()
		require.Len(t, msgs, 1)
		msg := msgs[0]
		assert.Equal(t, "client@example.com", msg.To)
		assert.Equal(t, "Please fill out Intake", msg.Subject)
		assert.Equal(t, "Open https://app.example.com/forms/F1?card=C1", msg.Body)
		assert.Equal(t, "no-reply@example.com", msg.From)
		assert.Equal(t, "C1", msg.CardID)
		assert.Equal(t, "automation", msg.SentVia)
	})

	t.Run("template rendering and default recipient", func(t *testing.T) {
		require.NoError(t, db.Model(&models.EmailTemplate{}).Where("id = ?", "T1").Update("default_to", "fallback@example.com").Error)
		_, err := ex.Execute(ctx, "C1", models.NewAction(models.SendFormLinkConfig{FormID: "F1", RecipientField: "nope", TemplateID: "T1"}), 0)
		require.NoError(t, err)

		msgs := sender.messages()
		msg := msgs[len(msgs)-1]
		assert.Equal(t, "fallback@example.com", msg.To)
		assert.Equal(t, "Hi ACME deal", msg.Subject)
		assert.Equal(t, "Stage Lead / Sales / https://app.example.com/forms/F1?card=C1 / low", msg.Body)
		assert.Equal(t, "sales@example.com", msg.From)
		assert.Equal(t, "Sales Team", msg.FromName)
		assert.Equal(t, "boss@example.com", msg.CC)
	})

	t.Run("missing recipient", func(t *testing.T) {
		_, err := ex.Execute(ctx, "C1", models.NewAction(models.SendFormLinkConfig{FormID: "F1", RecipientField: "nope"}), 0)
		requireActionError(t, err, KindValidationMissing)
	})

	t.Run("form outside current stage", func(t *testing.T) {
		_, err := ex.Execute(ctx, "C1", models.NewAction(models.SendFormLinkConfig{FormID: "F2", RecipientField: "email"}), 0)
		requireActionError(t, err, KindNotFound)
	})

	t.Run("unknown template", func(t *testing.T) {
		_, err := ex.Execute(ctx, "C1", models.NewAction(models.SendFormLinkConfig{FormID: "F1", RecipientField: "email", TemplateID: "T404"}), 0)
		requireActionError(t, err, KindNotFound)
	})

	t.Run("unknown card", func(t *testing.T) {
		_, err := ex.Execute(ctx, "ghost", models.NewAction(models.SendFormLinkConfig{FormID: "F1"}), 0)
		requireActionError(t, err, KindNotFound)
	})
}

func TestActionExecutor_DispatchFailureCarriesBody(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("mailbox quota exceeded"))
	}))
	defer srv.Close()

	client := mailer.NewClient(&mailer.Config{BaseURL: srv.URL, Timeout: time.Second}, quietLogger())
	ex := newTestExecutor(t, db, client, nil)

	_, err := ex.Execute(context.Background(), "C1", models.NewAction(models.SendFormLinkConfig{FormID: "F1", RecipientField: "email"}), 0)
	ae := requireActionError(t, err, KindDispatchFailure)
	assert.Equal(t, "mailbox quota exceeded", ae.Error())
}

func TestActionExecutor_SendEmail(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	sender := &fakeSender{}
	ex := newTestExecutor(t, db, sender, nil)
	ctx := context.Background()

	_, err := ex.Execute(ctx, "C1", models.NewAction(models.SendEmailConfig{RecipientField: "email"}), 0)
	requireActionError(t, err, KindNotFound)

	_, err = ex.Execute(ctx, "C1", models.NewAction(models.SendEmailConfig{TemplateID: "T404", RecipientField: "email"}), 0)
	requireActionError(t, err, KindNotFound)

	_, err = ex.Execute(ctx, "C1", models.NewAction(models.SendEmailConfig{TemplateID: "T1", RecipientField: "nope"}), 0)
	requireActionError(t, err, KindValidationMissing)

	res, err := ex.Execute(ctx, "C1", models.NewAction(models.SendEmailConfig{TemplateID: "T1", RecipientField: "email", FormID: "F1"}), 0)
	require.NoError(t, err)
	assert.Equal(t, "T1", res["template_id"])
	assert.Equal(t, "https://app.example.com/forms/F1?card=C1", res["form_link"])

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Stage Lead / Sales / https://app.example.com/forms/F1?card=C1 / low", msgs[0].Body)

	// 无 form 上下文时 {{form.link}} 原样保留
	_, err = ex.Execute(ctx, "C1", models.NewAction(models.SendEmailConfig{TemplateID: "T1", RecipientField: "email"}), 0)
	require.NoError(t, err)
	msgs = sender.messages()
	assert.Contains(t, msgs[1].Body, "{{form.link}}")
}

func TestActionExecutor_SendErrorWithoutStatus(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	ex := newTestExecutor(t, db, &fakeSender{err: errors.New("connection refused")}, nil)

	_, err := ex.Execute(context.Background(), "C1", models.NewAction(models.SendEmailConfig{TemplateID: "T1", RecipientField: "email"}), 0)
	ae := requireActionError(t, err, KindDispatchFailure)
	assert.Contains(t, ae.Error(), "connection refused")
}

func TestActionExecutor_MoveCard(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	cascade := &recordingCascade{}
	ex := newTestExecutor(t, db, nil, cascade)
	ctx := context.Background()

	_, err := ex.Execute(ctx, "C1", models.NewAction(models.MoveCardConfig{TargetStageID: "S404"}), 0)
	requireActionError(t, err, KindNotFound)
	assert.Empty(t, cascade.requests)

	res, err := ex.Execute(ctx, "C1", models.NewAction(models.MoveCardConfig{TargetStageID: "S2"}), 3)
	require.NoError(t, err)
	assert.Equal(t, "S1", res["from_stage_id"])
	assert.Equal(t, "S2", res["to_stage_id"])
	assert.Equal(t, true, res["cascade_scheduled"])

	var history []models.CardHistory
	require.NoError(t, db.Where("card_id = ?", "C1").Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "S1", history[0].FromStageID)
	assert.Equal(t, "Lead", history[0].FromStageName)
	assert.Equal(t, "S2", history[0].ToStageID)
	assert.Equal(t, "Review", history[0].ToStageName)

	require.Len(t, cascade.requests, 1)
	req := cascade.requests[0]
	assert.Equal(t, "P1", req.PipeID)
	assert.Equal(t, "C1", req.CardID)
	assert.Equal(t, "S2", req.StageID)
	assert.Equal(t, 4, req.Depth)
	assert.NotNil(t, req.Ctx)
}

func TestActionExecutor_MoveCardIgnoresCallerCancellation(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	cascade := &recordingCascade{}
	ex := newTestExecutor(t, db, nil, cascade)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := ex.Execute(ctx, "C1", models.NewAction(models.MoveCardConfig{TargetStageID: "S3"}), 0)
	require.NoError(t, err)
	cancel()

	require.Len(t, cascade.requests, 1)
	assert.NoError(t, cascade.requests[0].Ctx.Err())
}

func TestActionExecutor_UpdateField(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	ex := newTestExecutor(t, db, nil, nil)
	ctx := context.Background()

	res, err := ex.Execute(ctx, "C1", models.NewAction(models.UpdateFieldConfig{FieldKey: "status", Value: "in_review"}), 0)
	require.NoError(t, err)
	assert.Equal(t, true, res["created"])
	assert.Equal(t, "in_review", fieldValue(t, db, "C1", "status"))

	res, err = ex.Execute(ctx, "C1", models.NewAction(models.UpdateFieldConfig{FieldKey: "priority", Value: "high"}), 0)
	require.NoError(t, err)
	assert.Equal(t, false, res["created"])
	assert.Equal(t, "high", fieldValue(t, db, "C1", "priority"))

	var f models.Field
	require.NoError(t, db.Where("card_id = ? AND key = ?", "C1", "status").First(&f).Error)
	assert.Equal(t, "text", f.Type)

	_, err = ex.Execute(ctx, "C1", models.NewAction(models.UpdateFieldConfig{Value: "x"}), 0)
	requireActionError(t, err, KindValidationMissing)
}

func TestActionExecutor_UnsupportedAction(t *testing.T) {
	db := newTestDB(t)
	ex := newTestExecutor(t, db, nil, nil)
	action := models.Action{Type: "send_sms", Config: models.UnknownActionConfig{Type: "send_sms"}}

	_, err := ex.Execute(context.Background(), "C1", action, 0)
	requireActionError(t, err, KindUnsupported)
}
