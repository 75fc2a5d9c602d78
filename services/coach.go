package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

// Orchestrator drives one chat turn end to end: admission, session lookup,
// persistence, the external run lifecycle with tool dispatch, turn-scoped
// reply extraction and usage settlement. Turns for the same user are
// serialized; different users run concurrently.
type Orchestrator struct {
	db          *gorm.DB
	api         *utils.AssistantClient
	sessions    *SessionRegistry
	ledger      *ReconciliationLedger
	gateway     *QuotaGateway
	locks       *LockManager
	notifier    *Notifier
	assistantID string
	redis       *redis.Client

	pollInitial time.Duration
	pollMax     time.Duration
	turnTimeout time.Duration
	now         func() time.Time
}

func NewOrchestrator(db *gorm.DB, api *utils.AssistantClient, sessions *SessionRegistry,
	ledger *ReconciliationLedger, gateway *QuotaGateway, locks *LockManager,
	notifier *Notifier, assistantID string) *Orchestrator {
	return &Orchestrator{
		db:          db,
		api:         api,
		sessions:    sessions,
		ledger:      ledger,
		gateway:     gateway,
		locks:       locks,
		notifier:    notifier,
		assistantID: assistantID,
		redis:       utils.RedisClient,
		pollInitial: 500 * time.Millisecond,
		pollMax:     8 * time.Second,
		turnTimeout: 90 * time.Second,
		now:         time.Now,
	}
}

// Per-turn instruction presets and their coaching-personality weights.
var responseInstructions = map[string]string{
	"greeting":    "Give a brief, personalized greeting. Keep it under 20 words.",
	"check_in":    "Ask a direct check-in question. Reference their streak if applicable.",
	"pressure":    "Apply gentle pressure. Be direct but supportive.",
	"coaching":    "Provide accountability coaching. Ask follow-up questions.",
	"celebration": "Acknowledge progress and build momentum.",
	"support":     "Offer support and ask what they need.",
	"advice":      "Provide specific coaching advice based on context.",
	"stats":       "Provide coaching statistics and insights.",
	"insights":    "Analyze patterns and provide coaching insights.",
}

var personalityScores = map[string]float64{
	"greeting":    0.6,
	"check_in":    0.7,
	"pressure":    0.9,
	"coaching":    0.8,
	"celebration": 0.7,
	"support":     0.8,
	"advice":      0.85,
	"stats":       0.6,
	"insights":    0.9,
}

// SavedIDs tells the optimistic-UI client which provisional bubbles to
// reconcile with stored rows. AssistantTempIDs are server-issued handles the
// client can show immediately; AssistantIDs are the durable row ids.
type SavedIDs struct {
	UserMessage      string   `json:"user_message"`
	AssistantTempIDs []string `json:"assistant_temp_ids"`
	AssistantIDs     []string `json:"assistant_ids"`
}

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	Messages         []string   `json:"messages"`
	TurnID           string     `json:"turn_id,omitempty"`
	CorrelationID    string     `json:"correlation_id"`
	SavedIDs         SavedIDs   `json:"saved_ids"`
	Fallback         bool       `json:"fallback"`
	ResponseType     string     `json:"response_type"`
	PersonalityScore float64    `json:"personality_score"`
	Usage            UsageStats `json:"usage_stats"`
	Degraded         bool       `json:"degraded,omitempty"`
}

// Chat runs one full turn. Admission errors (QuotaExceededError,
// RateLimitedError) come back with a nil result. Upstream failures come back
// with BOTH a populated fallback result and the original error, so the HTTP
// layer can pick the status code while still answering the user.
func (o *Orchestrator) Chat(ctx context.Context, userID uint, content, clientTempID, responseType string) (*ChatResult, error) {
	if responseType == "" {
		responseType = "coaching"
	}

	admission, err := o.gateway.CheckAndAdmit(userID, content, DefaultEstimatedTokens)
	if err != nil {
		return nil, err
	}

	var result *ChatResult
	var turnErr error
	lockErr := o.locks.WithLock(userID, func() error {
		result, turnErr = o.runTurn(ctx, userID, content, clientTempID, responseType)
		return nil
	})
	if lockErr != nil {
		return nil, lockErr
	}
	if result != nil {
		result.Usage = admission.Usage
		result.Degraded = admission.Degraded
		result.ResponseType = responseType
		result.PersonalityScore = scoreFor(responseType)
	}
	return result, turnErr
}

func scoreFor(responseType string) float64 {
	if s, ok := personalityScores[responseType]; ok {
		return s
	}
	return 0.7
}

func instructionsFor(responseType string) string {
	if ins, ok := responseInstructions[responseType]; ok {
		return ins
	}
	return "Provide helpful accountability coaching."
}

// runTurn executes the external run lifecycle under the user's lock.
func (o *Orchestrator) runTurn(ctx context.Context, userID uint, content, clientTempID, responseType string) (*ChatResult, error) {
	started := o.now()

	sess, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return o.failTurn(userID, "", "", clientTempID, started, err)
	}

	correlationID, userMsgID, err := o.ledger.StoreIncoming(userID, content, clientTempID)
	if err != nil {
		return nil, err
	}

	turnRow, err := o.claimTurn(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if turnRow != nil && !models.TurnTerminal(turnRow.Status) {
			o.finalizeTurn(turnRow, models.TurnFailed)
		}
	}()

	if err := o.api.AppendMessage(ctx, sess.ExternalSessionID, "user", content); err != nil {
		res, ferr := o.failTurn(userID, correlationID, userMsgID, clientTempID, started, err)
		return res, ferr
	}

	registry := BuildCoachRegistry(o.db, userID)
	instructions := o.buildInstructions(sess, userID, responseType)

	run, err := o.startWithRetry(ctx, sess.ExternalSessionID, instructions, registry.Definitions())
	if err != nil {
		return o.failTurn(userID, correlationID, userMsgID, clientTempID, started, err)
	}
	turnRow.ExternalTurnID = run.ID
	turnRow.Status = run.Status
	if err := o.db.Model(turnRow).Updates(map[string]interface{}{"external_turn_id": run.ID, "status": run.Status}).Error; err != nil {
		log.Printf("[coach] failed to record external id for turn %d: %v", turnRow.ID, err)
	}

	final, err := o.pollUntilTerminal(ctx, sess.ExternalSessionID, run, registry)
	if err != nil {
		res, ferr := o.failTurn(userID, correlationID, userMsgID, clientTempID, started, err)
		if res != nil {
			res.TurnID = run.ID
		}
		return res, ferr
	}

	if final.Status != models.TurnCompleted {
		reason := "no detail from upstream"
		if final.LastError != nil {
			reason = fmt.Sprintf("%s: %s", final.LastError.Code, final.LastError.Message)
		}
		res, ferr := o.failTurn(userID, correlationID, userMsgID, clientTempID, started,
			&TurnFailedError{Status: final.Status, Reason: reason})
		if res != nil {
			res.TurnID = final.ID
		}
		return res, ferr
	}

	replies, err := o.extractTurnOutput(ctx, sess.ExternalSessionID, final.ID)
	if err != nil {
		res, ferr := o.failTurn(userID, correlationID, userMsgID, clientTempID, started, err)
		if res != nil {
			res.TurnID = final.ID
		}
		return res, ferr
	}

	result := &ChatResult{
		Messages:      make([]string, 0, len(replies)),
		TurnID:        final.ID,
		CorrelationID: correlationID,
		SavedIDs: SavedIDs{
			UserMessage:      userMsgID,
			AssistantTempIDs: []string{},
			AssistantIDs:     []string{},
		},
	}
	for _, m := range replies {
		text := m
		if ok, reason := ValidateResponseQuality(text); !ok {
			log.Printf("[coach] turn %s response rejected (%s), substituting fallback", final.ID, reason)
			text = FallbackResponse(FailureError, "")
			result.Fallback = true
		}
		result.Messages = append(result.Messages, text)
		tempID := uuid.NewString()
		msgID, serr := o.ledger.StoreOutgoing(userID, correlationID, text, final.ID, tempID)
		if serr != nil {
			// Reply persistence must not lose the turn, the user still gets it.
			log.Printf("[coach] failed to persist reply for turn %s: %v", final.ID, serr)
			continue
		}
		result.SavedIDs.AssistantTempIDs = append(result.SavedIDs.AssistantTempIDs, tempID)
		result.SavedIDs.AssistantIDs = append(result.SavedIDs.AssistantIDs, msgID)
	}

	o.finalizeTurn(turnRow, models.TurnCompleted)

	tokens := DefaultEstimatedTokens
	if final.Usage != nil && final.Usage.CompletionTokens > 0 {
		tokens = final.Usage.CompletionTokens
	}
	inputTokens := 0
	if final.Usage != nil {
		inputTokens = final.Usage.PromptTokens
	}
	o.gateway.RecordUsage(userID, "coach_chat", tokens, inputTokens, true,
		int(o.now().Sub(started).Milliseconds()), "")

	if len(result.Messages) > 0 && len(result.SavedIDs.AssistantIDs) > 0 {
		o.notifier.EmitAssistantReply(userID, result.Messages[0], result.SavedIDs.AssistantIDs[0])
	}
	return result, nil
}

// claimTurn inserts the local turn row whose active_session_id unique index
// rejects a second concurrent turn on the same session. When Redis is
// configured a SETNX key with the turn-timeout TTL adds a cross-process
// fast path in front of the index. A stale claim older than the turn
// timeout is reaped once before giving up.
func (o *Orchestrator) claimTurn(ctx context.Context, sessionID uint) (*models.Turn, error) {
	if err := o.acquireTurnGuard(ctx, sessionID); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		sid := sessionID
		row := models.Turn{
			SessionID:       sessionID,
			ActiveSessionID: &sid,
			Status:          models.TurnQueued,
			StartedAt:       o.now(),
		}
		if err := o.db.Create(&row).Error; err == nil {
			return &row, nil
		}

		var active models.Turn
		ferr := o.db.Where("active_session_id = ?", sessionID).First(&active).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			continue
		}
		if ferr != nil {
			o.releaseTurnGuard(sessionID)
			return nil, fmt.Errorf("inspect active turn: %w", ferr)
		}
		if o.now().Sub(active.StartedAt) < o.turnTimeout {
			o.releaseTurnGuard(sessionID)
			return nil, ErrTurnActive
		}
		log.Printf("[coach] reaping stale turn %d on session %d", active.ID, sessionID)
		// Finalizing the stale turn drops the guard key too, so re-arm it.
		o.finalizeTurn(&active, models.TurnExpired)
		if err := o.acquireTurnGuard(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	o.releaseTurnGuard(sessionID)
	return nil, ErrTurnActive
}

func turnGuardKey(sessionID uint) string {
	return fmt.Sprintf("turn_guard:%d", sessionID)
}

// acquireTurnGuard takes the cross-process turn slot for a session. Redis
// being down degrades to the database guard alone, never to a refusal.
func (o *Orchestrator) acquireTurnGuard(ctx context.Context, sessionID uint) error {
	if o.redis == nil {
		return nil
	}
	ok, err := o.redis.SetNX(ctx, turnGuardKey(sessionID), "1", o.turnTimeout).Result()
	if err != nil {
		log.Printf("[coach] turn guard unavailable for session %d, relying on database guard: %v", sessionID, err)
		return nil
	}
	if !ok {
		return ErrTurnActive
	}
	return nil
}

func (o *Orchestrator) releaseTurnGuard(sessionID uint) {
	if o.redis == nil {
		return
	}
	if err := o.redis.Del(context.Background(), turnGuardKey(sessionID)).Err(); err != nil {
		log.Printf("[coach] failed to release turn guard for session %d: %v", sessionID, err)
	}
}

func (o *Orchestrator) finalizeTurn(row *models.Turn, status string) {
	done := o.now()
	err := o.db.Model(&models.Turn{}).Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":            status,
			"completed_at":      &done,
			"active_session_id": nil,
		}).Error
	if err != nil {
		log.Printf("[coach] failed to finalize turn %d: %v", row.ID, err)
		return
	}
	row.Status = status
	row.CompletedAt = &done
	row.ActiveSessionID = nil
	o.releaseTurnGuard(row.SessionID)
}

// startWithRetry starts the run, retrying transport-level timeouts a bounded
// number of times. A started run is never retried.
func (o *Orchestrator) startWithRetry(ctx context.Context, externalSessionID, instructions string, tools []map[string]any) (*utils.Run, error) {
	retries := 0
	for {
		run, err := o.api.StartTurn(ctx, externalSessionID, o.assistantID, instructions, tools)
		if err == nil {
			return run, nil
		}
		class := ClassifyFailure(err)
		if class != FailureTimeout || !ShouldRetryFailure(class, retries) {
			return nil, err
		}
		retries++
		log.Printf("[coach] start turn timed out, retry %d: %v", retries, err)
	}
}

// pollUntilTerminal polls the run with exponential backoff until it reaches a
// terminal state or the turn deadline expires. requires_action states are
// answered inline with the full tool-output batch.
func (o *Orchestrator) pollUntilTerminal(ctx context.Context, externalSessionID string, run *utils.Run, registry *Registry) (*utils.Run, error) {
	deadline := o.now().Add(o.turnTimeout)
	interval := o.pollInitial
	current := run

	for {
		if models.TurnTerminal(current.Status) {
			return current, nil
		}

		if current.Status == models.TurnRequiresAction && current.RequiredAction != nil {
			calls := current.RequiredAction.SubmitToolOutputs.ToolCalls
			outputs := make([]utils.ToolOutput, 0, len(calls))
			for _, call := range calls {
				outputs = append(outputs, registry.Dispatch(ctx, call))
			}
			if err := o.api.SubmitToolOutputs(ctx, externalSessionID, current.ID, outputs); err != nil {
				return nil, fmt.Errorf("submit tool outputs: %w", err)
			}
			// The batch is answered. Clear the request so a failed poll on the
			// next iteration cannot dispatch and submit it a second time.
			current.RequiredAction = nil
			current.Status = models.TurnInProgress
			interval = o.pollInitial
		}

		if o.now().After(deadline) {
			return nil, ErrUpstreamTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > o.pollMax {
			interval = o.pollMax
		}

		next, err := o.api.GetTurn(ctx, externalSessionID, current.ID)
		if err != nil {
			// Transient poll errors are absorbed by the deadline.
			log.Printf("[coach] poll error for turn %s: %v", current.ID, err)
			continue
		}
		current = next
	}
}

// extractTurnOutput pulls this turn's assistant replies out of the full
// session history: only assistant-role messages whose run id matches, oldest
// first. Prior turns and the user's own messages never leak in.
func (o *Orchestrator) extractTurnOutput(ctx context.Context, externalSessionID, turnID string) ([]string, error) {
	all, err := o.api.ListMessages(ctx, externalSessionID)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	var replies []string
	// The service returns newest first; iterate backwards for delivery order.
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if m.Role != "assistant" || m.RunID != turnID {
			continue
		}
		var parts []string
		for _, c := range m.Content {
			if c.Type == "text" && c.Text.Value != "" {
				parts = append(parts, c.Text.Value)
			}
		}
		if len(parts) > 0 {
			replies = append(replies, strings.Join(parts, "\n"))
		}
	}
	if len(replies) == 0 {
		return nil, &TurnFailedError{Status: models.TurnCompleted, Reason: "turn produced no assistant output"}
	}
	return replies, nil
}

// buildInstructions combines the response-type preset with a daily context
// refresh: at most once per day the user's name and top memories ride along.
func (o *Orchestrator) buildInstructions(sess *models.CoachSession, userID uint, responseType string) string {
	base := instructionsFor(responseType)

	if sess.LastContextInjectionAt != nil && o.now().Sub(*sess.LastContextInjectionAt) < 24*time.Hour {
		return base
	}

	ctxMap := map[string]any{}
	var user models.User
	if err := o.db.Select("name").Where("id = ?", userID).First(&user).Error; err == nil && user.Name != "" {
		ctxMap["user_name"] = user.Name
	}
	var memories []models.UserMemory
	if err := o.db.Where("user_id = ?", userID).Order("importance DESC").Limit(5).Find(&memories).Error; err == nil {
		facts := make([]string, 0, len(memories))
		for _, m := range memories {
			facts = append(facts, fmt.Sprintf("%s: %s", m.MemoryType, m.Content))
		}
		if len(facts) > 0 {
			ctxMap["known_facts"] = facts
		}
	}
	if len(ctxMap) == 0 {
		return base
	}

	data, err := json.Marshal(ctxMap)
	if err != nil {
		return base
	}
	if err := o.sessions.TouchContextInjection(sess.ID, o.now()); err != nil {
		log.Printf("[coach] failed to record context injection for session %d: %v", sess.ID, err)
	}
	return fmt.Sprintf("%s Context: %s", base, data)
}

// failTurn settles a failed turn: usage is logged as unsuccessful, the user
// still receives a persisted fallback reply, and the original error rides
// along for status mapping.
func (o *Orchestrator) failTurn(userID uint, correlationID, userMsgID, clientTempID string, started time.Time, cause error) (*ChatResult, error) {
	class := ClassifyFailure(cause)
	log.Printf("[coach] turn failed for user %d (class=%s): %v", userID, class, cause)

	o.gateway.RecordUsage(userID, "coach_chat", 0, 0, false,
		int(o.now().Sub(started).Milliseconds()), cause.Error())

	var userName string
	var user models.User
	if err := o.db.Select("name").Where("id = ?", userID).First(&user).Error; err == nil {
		userName = user.Name
	}
	fallback := FallbackResponse(class, userName)

	result := &ChatResult{
		Messages:      []string{fallback},
		CorrelationID: correlationID,
		Fallback:      true,
		SavedIDs: SavedIDs{
			UserMessage:      userMsgID,
			AssistantTempIDs: []string{},
			AssistantIDs:     []string{},
		},
	}
	if correlationID != "" {
		if msgID, serr := o.ledger.StoreOutgoing(userID, correlationID, fallback, "", ""); serr == nil {
			result.SavedIDs.AssistantIDs = append(result.SavedIDs.AssistantIDs, msgID)
		} else {
			log.Printf("[coach] failed to persist fallback for user %d: %v", userID, serr)
		}
	}
	return result, cause
}
