package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
)

// ReconciliationLedger persists chat messages and the opaque temp ids the
// mobile client uses for optimistic UI. Temp ids are stored and echoed back,
// never parsed or interpreted.
type ReconciliationLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewReconciliationLedger(db *gorm.DB) *ReconciliationLedger {
	return &ReconciliationLedger{db: db, now: time.Now}
}

// StoreIncoming persists the user's message and returns the correlation id
// that links the eventual assistant replies to it. When the client sends a
// client_temp_id it doubles as an idempotency key: a retried request returns
// the already-stored row instead of duplicating it.
func (l *ReconciliationLedger) StoreIncoming(userID uint, content, clientTempID string) (correlationID, messageID string, err error) {
	if clientTempID != "" {
		var existing models.Message
		err := l.db.Where("user_id = ? AND client_temp_id = ? AND direction = ?",
			userID, clientTempID, models.DirectionIncoming).First(&existing).Error
		if err == nil {
			return existing.CorrelationID, existing.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	msg := models.Message{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		UserID:        userID,
		Direction:     models.DirectionIncoming,
		Content:       content,
		CreatedAt:     l.now(),
	}
	if clientTempID != "" {
		msg.ClientTempID = &clientTempID
	}
	if err := l.db.Create(&msg).Error; err != nil {
		return "", "", fmt.Errorf("store incoming message: %w", err)
	}
	return msg.CorrelationID, msg.ID, nil
}

// StoreOutgoing persists one assistant reply under the turn that produced it.
func (l *ReconciliationLedger) StoreOutgoing(userID uint, correlationID, content, turnID, assistantTempID string) (messageID string, err error) {
	msg := models.Message{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		UserID:        userID,
		Direction:     models.DirectionOutgoing,
		Content:       content,
		CreatedAt:     l.now(),
	}
	if turnID != "" {
		msg.TurnID = &turnID
	}
	if assistantTempID != "" {
		msg.AssistantTempID = &assistantTempID
	}
	if err := l.db.Create(&msg).Error; err != nil {
		return "", fmt.Errorf("store outgoing message: %w", err)
	}
	return msg.ID, nil
}

// History returns the user's messages, newest first.
func (l *ReconciliationLedger) History(userID uint, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var msgs []models.Message
	err := l.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// MarkRead flags outgoing messages as read in the app.
func (l *ReconciliationLedger) MarkRead(userID uint, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return l.db.Model(&models.Message{}).
		Where("user_id = ? AND id IN ?", userID, messageIDs).
		Update("read_in_app", true).Error
}
