package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

func newTestOrchestrator(t *testing.T, db *gorm.DB, client *utils.AssistantClient) *Orchestrator {
	t.Helper()
	quota := NewQuotaStore(db)
	limiter := NewRateLimiter(db)
	abuse := NewAbuseDetector(db)
	gateway := NewQuotaGateway(quota, limiter, abuse)
	sessions := NewSessionRegistry(db, client, "asst_test")
	ledger := NewReconciliationLedger(db)
	locks := NewLockManager()
	notifier := NewNotifier(db)

	o := NewOrchestrator(db, client, sessions, ledger, gateway, locks, notifier, "asst_test")
	o.pollInitial = time.Millisecond
	o.pollMax = 2 * time.Millisecond
	o.turnTimeout = 500 * time.Millisecond
	return o
}

func TestChat_ReturnsOnlyCurrentTurnOutput(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	// Full history, newest first, with an earlier turn mixed in.
	fake.messages = []utils.ThreadMessage{
		assistantText("m4", "assistant", "run_1", "And keep it small."),
		assistantText("m3", "assistant", "run_1", "Pick one habit to start."),
		assistantText("m2", "user", "", "what should I do first?"),
		assistantText("m1", "assistant", "run_old", "Welcome aboard!"),
	}

	result, err := o.Chat(context.Background(), 1, "what should I do first?", "tmp-1", "coaching")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, []string{"Pick one habit to start.", "And keep it small."}, result.Messages,
		"only this turn's assistant output, oldest first")
	assert.Equal(t, "run_1", result.TurnID)
	assert.False(t, result.Fallback)
	assert.Equal(t, "coaching", result.ResponseType)
	assert.Equal(t, 0.8, result.PersonalityScore)
	assert.NotEmpty(t, result.SavedIDs.UserMessage)
	assert.Len(t, result.SavedIDs.AssistantIDs, 2)
	assert.Len(t, result.SavedIDs.AssistantTempIDs, 2)

	// Replies are persisted under the turn.
	var stored []models.Message
	require.NoError(t, db.Where("user_id = ? AND direction = ?", 1, models.DirectionOutgoing).
		Order("created_at ASC").Find(&stored).Error)
	require.Len(t, stored, 2)
	require.NotNil(t, stored[0].TurnID)
	assert.Equal(t, "run_1", *stored[0].TurnID)

	// The local turn row carries the external run id for reconciliation.
	var turnRow models.Turn
	require.NoError(t, db.Where("external_turn_id = ?", "run_1").First(&turnRow).Error)
	assert.Equal(t, models.TurnCompleted, turnRow.Status)

	// The successful turn is charged once.
	var rec models.QuotaRecord
	require.NoError(t, db.Where("user_id = ?", 1).First(&rec).Error)
	assert.Equal(t, 1, rec.MessagesUsed)
	assert.Equal(t, 1, rec.DailyCallsUsed)

	// The turn guard is released.
	var activeTurns int64
	db.Model(&models.Turn{}).Where("active_session_id IS NOT NULL").Count(&activeTurns)
	assert.Equal(t, int64(0), activeTurns)

	// A notification was queued for the first reply.
	var ev models.NotificationEvent
	require.NoError(t, db.Where("user_id = ?", 1).First(&ev).Error)
	assert.Contains(t, ev.Body, "Pick one habit")
}

func TestChat_DispatchesFullToolBatch(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	ra := &utils.RequiredAction{Type: "submit_tool_outputs"}
	ra.SubmitToolOutputs.ToolCalls = []utils.ToolCall{
		{ID: "call_a", Type: "function", Function: utils.ToolCallFunction{Name: "get_user_memory", Arguments: `{}`}},
		{ID: "call_b", Type: "function", Function: utils.ToolCallFunction{Name: "analyze_conversation_pattern", Arguments: `{"days": 7}`}},
	}
	fake.runStates = []utils.Run{
		{ID: "run_1", Status: "requires_action", RequiredAction: ra},
		{ID: "run_1", Status: "completed"},
	}
	fake.messages = []utils.ThreadMessage{
		assistantText("m1", "assistant", "run_1", "Based on your history, start tomorrow morning."),
	}

	result, err := o.Chat(context.Background(), 2, "use my history", "", "advice")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"Based on your history, start tomorrow morning."}, result.Messages)

	require.Len(t, fake.submitted, 1, "one submit for the whole batch")
	batch := fake.submitted[0]
	require.Len(t, batch, 2, "every requested call id gets an output")
	assert.Equal(t, "call_a", batch[0].ToolCallID)
	assert.Equal(t, "call_b", batch[1].ToolCallID)
	assert.NotEmpty(t, batch[0].Output)
	assert.NotEmpty(t, batch[1].Output)
}

func TestChat_ToolBatchSubmittedOnceAcrossPollErrors(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	ra := &utils.RequiredAction{Type: "submit_tool_outputs"}
	ra.SubmitToolOutputs.ToolCalls = []utils.ToolCall{
		{ID: "call_a", Type: "function", Function: utils.ToolCallFunction{
			Name:      "store_user_memory",
			Arguments: `{"memory_type": "goal", "title": "Marathon", "content": "Wants to run a marathon in spring."}`,
		}},
	}
	// A transient outage right after the batch is answered must not make the
	// next loop iteration hand in the same outputs again.
	fake.runStates = []utils.Run{
		{ID: "run_1", Status: "requires_action", RequiredAction: ra},
		{Status: pollFailure},
		{ID: "run_1", Status: "completed"},
	}
	fake.messages = []utils.ThreadMessage{
		assistantText("m1", "assistant", "run_1", "Noted. A spring marathon it is."),
	}

	result, err := o.Chat(context.Background(), 10, "remember my goal", "", "coaching")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Fallback)

	require.Len(t, fake.submitted, 1, "the batch must be handed in exactly once")
	var memories int64
	db.Model(&models.UserMemory{}).Where("user_id = ?", 10).Count(&memories)
	assert.Equal(t, int64(1), memories, "the tool side effect must happen exactly once")
}

func TestChat_TimeoutProducesFallback(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)
	o.turnTimeout = 30 * time.Millisecond

	fake.runStates = []utils.Run{{ID: "run_1", Status: "in_progress"}}

	result, err := o.Chat(context.Background(), 3, "hello?", "", "")
	require.ErrorIs(t, err, ErrUpstreamTimeout)
	require.NotNil(t, result, "the user still gets an answer")
	assert.True(t, result.Fallback)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "That took longer than expected. Let me try a shorter response.", result.Messages[0])

	// Failed turns are logged but never charged.
	var rec models.QuotaRecord
	require.NoError(t, db.Where("user_id = ?", 3).First(&rec).Error)
	assert.Equal(t, 0, rec.MessagesUsed)
	var failedCalls int64
	db.Model(&models.AICallLog{}).Where("user_id = ? AND success = ?", 3, false).Count(&failedCalls)
	assert.Equal(t, int64(1), failedCalls)

	// The turn guard is released so the user can try again.
	var activeTurns int64
	db.Model(&models.Turn{}).Where("active_session_id IS NOT NULL").Count(&activeTurns)
	assert.Equal(t, int64(0), activeTurns)
}

func TestChat_TerminalFailureMapsToTurnFailedError(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	fake.runStates = []utils.Run{{
		ID:        "run_1",
		Status:    "failed",
		LastError: &utils.RunError{Code: "server_error", Message: "model blew up"},
	}}

	result, err := o.Chat(context.Background(), 4, "hi", "", "")
	var turnErr *TurnFailedError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, "failed", turnErr.Status)
	require.NotNil(t, result)
	assert.True(t, result.Fallback)
}

func TestChat_QualityGateReplacesBadResponse(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	fake.messages = []utils.ThreadMessage{
		assistantText("m1", "assistant", "run_1", "go go go go go go go go go go go go"),
	}

	result, err := o.Chat(context.Background(), 5, "motivate me", "", "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Fallback)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "Something went wrong. Can you rephrase that?", result.Messages[0])

	// The substituted text is what gets persisted.
	var stored models.Message
	require.NoError(t, db.Where("user_id = ? AND direction = ?", 5, models.DirectionOutgoing).First(&stored).Error)
	assert.Equal(t, "Something went wrong. Can you rephrase that?", stored.Content)
}

func TestChat_QuotaRejectionNeverTouchesUpstream(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	store := NewQuotaStore(db)
	_, err := store.GetOrCreate(6)
	require.NoError(t, err)
	db.Model(&models.QuotaRecord{}).Where("user_id = ?", 6).
		Update("messages_used", DefaultMessagesLimit)

	result, err := o.Chat(context.Background(), 6, "one more?", "", "")
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Nil(t, result)
	assert.Equal(t, 0, quotaErr.Usage.MessagesRemaining)
	assert.Equal(t, 0, fake.threadSeq, "rejected turns must not create external sessions")
}

func TestChat_SecondTurnOnBusySessionFailsFast(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	sess, err := o.sessions.GetOrCreate(context.Background(), 7)
	require.NoError(t, err)

	sid := sess.ID
	busy := models.Turn{
		SessionID:       sess.ID,
		ActiveSessionID: &sid,
		ExternalTurnID:  "run_busy",
		Status:          models.TurnInProgress,
		StartedAt:       time.Now(),
	}
	require.NoError(t, db.Create(&busy).Error)

	_, err = o.Chat(context.Background(), 7, "are you there?", "", "")
	require.ErrorIs(t, err, ErrTurnActive)
	assert.Equal(t, 0, fake.runSeq, "no second run may start while one is active")
}

func TestChat_StaleTurnGuardIsReaped(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	sess, err := o.sessions.GetOrCreate(context.Background(), 8)
	require.NoError(t, err)

	sid := sess.ID
	stale := models.Turn{
		SessionID:       sess.ID,
		ActiveSessionID: &sid,
		ExternalTurnID:  "run_stale",
		Status:          models.TurnInProgress,
		StartedAt:       time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, db.Create(&stale).Error)

	fake.messages = []utils.ThreadMessage{
		assistantText("m1", "assistant", "run_1", "Back with you now."),
	}

	result, err := o.Chat(context.Background(), 8, "hello again", "", "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"Back with you now."}, result.Messages)

	var reaped models.Turn
	require.NoError(t, db.Where("id = ?", stale.ID).First(&reaped).Error)
	assert.Equal(t, models.TurnExpired, reaped.Status)
	assert.Nil(t, reaped.ActiveSessionID)
}

func TestChat_CompletedTurnWithoutOutputFails(t *testing.T) {
	db := newTestDB(t)
	fake, client := newFakeAssistant(t)
	o := newTestOrchestrator(t, db, client)

	// History holds only older turns.
	fake.messages = []utils.ThreadMessage{
		assistantText("m1", "assistant", "run_old", "from before"),
	}

	result, err := o.Chat(context.Background(), 9, "anything?", "", "")
	var turnErr *TurnFailedError
	require.ErrorAs(t, err, &turnErr)
	assert.Contains(t, turnErr.Reason, "no assistant output")
	require.NotNil(t, result)
	assert.True(t, result.Fallback)
}
