package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosin-A/Cora-Lockin/models"
)

func TestLedger_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ledger := NewReconciliationLedger(db)

	const userID = 1
	corrID, userMsgID, err := ledger.StoreIncoming(userID, "how do I stay on track?", "tmp-abc")
	require.NoError(t, err)
	require.NotEmpty(t, corrID)
	require.NotEmpty(t, userMsgID)

	replyID, err := ledger.StoreOutgoing(userID, corrID, "Start with one small habit.", "run_1", "atmp-1")
	require.NoError(t, err)

	msgs, err := ledger.History(userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	byID := map[string]models.Message{}
	for _, m := range msgs {
		byID[m.ID] = m
	}

	user := byID[userMsgID]
	assert.Equal(t, models.DirectionIncoming, user.Direction)
	require.NotNil(t, user.ClientTempID)
	assert.Equal(t, "tmp-abc", *user.ClientTempID)

	reply := byID[replyID]
	assert.Equal(t, models.DirectionOutgoing, reply.Direction)
	assert.Equal(t, corrID, reply.CorrelationID)
	require.NotNil(t, reply.TurnID)
	assert.Equal(t, "run_1", *reply.TurnID)
	require.NotNil(t, reply.AssistantTempID)
	assert.Equal(t, "atmp-1", *reply.AssistantTempID)
}

func TestLedger_RetryWithSameTempIDIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ledger := NewReconciliationLedger(db)

	const userID = 2
	corr1, id1, err := ledger.StoreIncoming(userID, "did you get this?", "tmp-retry")
	require.NoError(t, err)

	corr2, id2, err := ledger.StoreIncoming(userID, "did you get this?", "tmp-retry")
	require.NoError(t, err)
	assert.Equal(t, corr1, corr2)
	assert.Equal(t, id1, id2)

	var count int64
	db.Model(&models.Message{}).Where("user_id = ?", userID).Count(&count)
	assert.Equal(t, int64(1), count, "a retried send must not duplicate the message")
}

func TestLedger_TempIDsAreScopedPerUser(t *testing.T) {
	db := newTestDB(t)
	ledger := NewReconciliationLedger(db)

	_, idA, err := ledger.StoreIncoming(10, "hello", "tmp-shared")
	require.NoError(t, err)
	_, idB, err := ledger.StoreIncoming(11, "hello", "tmp-shared")
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB, "same temp id from different users stores two rows")
}

func TestLedger_MissingTempIDAlwaysStores(t *testing.T) {
	db := newTestDB(t)
	ledger := NewReconciliationLedger(db)

	const userID = 3
	_, id1, err := ledger.StoreIncoming(userID, "no temp id", "")
	require.NoError(t, err)
	_, id2, err := ledger.StoreIncoming(userID, "no temp id", "")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ledger := NewReconciliationLedger(db)
	const userID = 4

	base := ledger.now()
	for i := 0; i < 3; i++ {
		offset := i
		ledger.now = func() time.Time { return base.Add(time.Duration(offset) * time.Second) }
		_, _, err := ledger.StoreIncoming(userID, "msg", "")
		require.NoError(t, err)
	}

	msgs, err := ledger.History(userID, 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, !msgs[0].CreatedAt.Before(msgs[1].CreatedAt), "history is newest first")
}
