package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pipeflow/internal/models"
	"pipeflow/pkg/mailer"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:pipeflow_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// fixture 是大多数测试共用的看板数据：
// pipe P1 -> stages S1(Intake form F1), S2(Review form F2), S3
// card C1 in S1 with fields priority=low, email=client@example.com
type fixture struct {
	Pipe  models.Pipe
	S1    models.Stage
	S2    models.Stage
	S3    models.Stage
	F1    models.Form
	F2    models.Form
	Card  models.Card
	Email models.EmailTemplate
}

func seedFixture(t *testing.T, db *gorm.DB) fixture {
	t.Helper()
	f := fixture{
		Pipe: models.Pipe{ID: "P1", Name: "Sales"},
		S1:   models.Stage{ID: "S1", PipeID: "P1", Name: "Lead", Position: 0},
		S2:   models.Stage{ID: "S2", PipeID: "P1", Name: "Review", Position: 1},
		S3:   models.Stage{ID: "S3", PipeID: "P1", Name: "Won", Position: 2},
		F1:   models.Form{ID: "F1", StageID: "S1", Name: "Intake"},
		F2:   models.Form{ID: "F2", StageID: "S2", Name: "Review Checklist"},
		Card: models.Card{ID: "C1", PipeID: "P1", StageID: "S1", Title: "ACME deal", Description: "Big one"},
		Email: models.EmailTemplate{
			ID:        "T1",
			PipeID:    "P1",
			Name:      "Welcome",
			Subject:   "Hi {{card.title}}",
			Body:      "Stage {{stage.name}} / {{pipe.name}} / {{form.link}} / {{card.field.priority}}",
			FromEmail: "sales@example.com",
			FromName:  "Sales Team",
			CC:        "boss@example.com",
		},
	}
	for _, v := range []interface{}{&f.Pipe, &f.S1, &f.S2, &f.S3, &f.F1, &f.F2, &f.Card, &f.Email} {
		require.NoError(t, db.Create(v).Error)
	}
	setField(t, db, "C1", "priority", "low")
	setField(t, db, "C1", "email", "client@example.com")
	return f
}

func setField(t *testing.T, db *gorm.DB, cardID, key string, value interface{}) {
	t.Helper()
	raw, err := models.EncodeFieldValue(value)
	require.NoError(t, err)
	_, err = NewGormAutomationStore(db).UpsertField(context.Background(), cardID, key, raw, "field-"+cardID+"-"+key)
	require.NoError(t, err)
}

func fieldValue(t *testing.T, db *gorm.DB, cardID, key string) interface{} {
	t.Helper()
	var f models.Field
	err := db.Where("card_id = ? AND key = ?", cardID, key).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return f.Decoded()
}

var automationSeq int

func createAutomation(t *testing.T, db *gorm.DB, a models.Automation) models.Automation {
	t.Helper()
	automationSeq++
	if a.ID == "" {
		a.ID = "auto-" + strings.ToLower(strings.ReplaceAll(a.Name, " ", "-"))
	}
	if a.PipeID == "" {
		a.PipeID = "P1"
	}
	if a.Actions == nil {
		a.Actions = datatypes.JSONSlice[models.Action]{}
	}
	a.CreatedAt = time.Now().Add(time.Duration(automationSeq) * time.Millisecond)
	require.NoError(t, db.Create(&a).Error)
	return a
}

func actions(cfgs ...models.ActionConfig) datatypes.JSONSlice[models.Action] {
	out := make(datatypes.JSONSlice[models.Action], 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, models.NewAction(c))
	}
	return out
}

func triggerCfg(cfg models.TriggerConfig) datatypes.JSONType[models.TriggerConfig] {
	return datatypes.NewJSONType(cfg)
}

func conditions(logic models.ConditionLogic, rules ...models.ConditionRule) datatypes.JSONType[models.Conditions] {
	return datatypes.NewJSONType(models.Conditions{Logic: logic, Rules: rules})
}

func logsFor(t *testing.T, db *gorm.DB, automationID string) []models.AutomationLog {
	t.Helper()
	var logs []models.AutomationLog
	require.NoError(t, db.Where("automation_id = ?", automationID).Order("executed_at ASC").Find(&logs).Error)
	return logs
}

// fakeSender records messages and optionally fails.
type fakeSender struct {
	mu   sync.Mutex
	sent []*mailer.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg *mailer.Message) (*mailer.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &mailer.SendResult{StatusCode: 200}, nil
}

func (f *fakeSender) messages() []*mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mailer.Message(nil), f.sent...)
}

// recordingCascade captures cascade requests without running them.
type recordingCascade struct {
	mu       sync.Mutex
	requests []CascadeRequest
}

func (r *recordingCascade) Enqueue(req CascadeRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return true
}

func testActionOptions() ActionOptions {
	return ActionOptions{
		FormLinkBaseURL: "https://app.example.com",
		DefaultFrom:     "no-reply@example.com",
		DefaultFromName: "Pipeflow",
		DefaultSubject:  "Please fill out {{form.name}}",
		DefaultBody:     "Open {{form.link}}",
	}
}

func newTestEngine(t *testing.T, db *gorm.DB, sender EmailSender, opts AutomationOptions) *AutomationService {
	t.Helper()
	if opts.Actions == (ActionOptions{}) {
		opts.Actions = testActionOptions()
	}
	if opts.Cascade.Workers == 0 {
		opts.Cascade = CascadeOptions{Workers: 1, QueueSize: 16, MaxDepth: 10}
	}
	svc := NewAutomationService(NewGormAutomationStore(db), sender, opts, quietLogger())
	t.Cleanup(svc.Close)
	return svc
}
