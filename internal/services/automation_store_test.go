package services

import (
	"context"
	"testing"
	"time"

	"pipeflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormAutomationStore_LoadPipeAutomations(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	store := NewGormAutomationStore(db)
	ctx := context.Background()

	createAutomation(t, db, models.Automation{Name: "late", Enabled: true, Priority: 5, TriggerType: models.TriggerManual})
	createAutomation(t, db, models.Automation{Name: "first", Enabled: true, Priority: 1, TriggerType: models.TriggerManual})
	createAutomation(t, db, models.Automation{Name: "second", Enabled: true, Priority: 1, TriggerType: models.TriggerManual})
	createAutomation(t, db, models.Automation{Name: "off", Enabled: false, Priority: 0, TriggerType: models.TriggerManual})
	createAutomation(t, db, models.Automation{Name: "other trigger", Enabled: true, TriggerType: models.TriggerFormSubmission})

	autos, err := store.LoadPipeAutomations(ctx, "P1", models.TriggerManual)
	require.NoError(t, err)
	names := make([]string, 0, len(autos))
	for _, a := range autos {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"first", "second", "late"}, names)

	_, err = store.LoadPipeAutomations(ctx, "nope", models.TriggerManual)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormAutomationStore_LoadCard(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	store := NewGormAutomationStore(db)

	card, err := store.LoadCard(context.Background(), "C1")
	require.NoError(t, err)
	require.NotNil(t, card.Stage)
	require.NotNil(t, card.Pipe)
	assert.Equal(t, "Lead", card.Stage.Name)
	assert.Equal(t, "Sales", card.Pipe.Name)
	require.Len(t, card.Stage.Forms, 1)
	assert.Equal(t, "F1", card.Stage.Forms[0].ID)
	assert.Len(t, card.Fields, 2)

	_, err = store.LoadCard(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadStage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadEmailTemplate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormAutomationStore_MoveCard(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	store := NewGormAutomationStore(db)
	movedAt := time.Now().Add(time.Minute).Truncate(time.Second)

	history := &models.CardHistory{
		ID: "h1", CardID: "C1",
		FromStageID: "S1", FromStageName: "Lead",
		ToStageID: "S2", ToStageName: "Review",
		MovedAt: movedAt,
	}
	require.NoError(t, store.MoveCard(context.Background(), "C1", "S2", history))

	var card models.Card
	require.NoError(t, db.First(&card, "id = ?", "C1").Error)
	assert.Equal(t, "S2", card.StageID)
	assert.True(t, card.UpdatedAt.Equal(movedAt))

	var count int64
	db.Model(&models.CardHistory{}).Where("card_id = ?", "C1").Count(&count)
	assert.Equal(t, int64(1), count)

	// 卡片不存在时整个事务回滚
	err := store.MoveCard(context.Background(), "ghost", "S2", &models.CardHistory{ID: "h2", CardID: "ghost", MovedAt: movedAt})
	assert.ErrorIs(t, err, ErrNotFound)
	db.Model(&models.CardHistory{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGormAutomationStore_UpsertField(t *testing.T) {
	db := newTestDB(t)
	seedFixture(t, db)
	store := NewGormAutomationStore(db)
	ctx := context.Background()

	raw, _ := models.EncodeFieldValue("in_review")
	f, err := store.UpsertField(ctx, "C1", "status", raw, "new-id")
	require.NoError(t, err)
	assert.Equal(t, "new-id", f.ID)
	assert.Equal(t, "text", f.Type)

	raw, _ = models.EncodeFieldValue("done")
	f, err = store.UpsertField(ctx, "C1", "status", raw, "other-id")
	require.NoError(t, err)
	assert.Equal(t, "new-id", f.ID)
	assert.Equal(t, "done", fieldValue(t, db, "C1", "status"))
}
