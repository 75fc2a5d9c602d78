package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

// SessionRegistry maps users to their persistent external conversation
// session. A user has at most one active session; the unique index on
// active_user_id makes concurrent first-time creates resolve to one winner.
type SessionRegistry struct {
	db          *gorm.DB
	api         *utils.AssistantClient
	assistantID string
}

func NewSessionRegistry(db *gorm.DB, api *utils.AssistantClient, assistantID string) *SessionRegistry {
	return &SessionRegistry{db: db, api: api, assistantID: assistantID}
}

// GetActive returns the user's active session, or nil if they have none.
func (r *SessionRegistry) GetActive(userID uint) (*models.CoachSession, error) {
	var sess models.CoachSession
	err := r.db.Where("active_user_id = ?", userID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// GetOrCreate returns the user's active session, creating one on the external
// service first if needed. If two requests race, the insert loser adopts the
// winner's row and its freshly created external session is abandoned (the
// external service has no cheap delete and an orphaned empty thread is
// harmless).
func (r *SessionRegistry) GetOrCreate(ctx context.Context, userID uint) (*models.CoachSession, error) {
	if sess, err := r.GetActive(userID); err != nil || sess != nil {
		return sess, err
	}

	externalID, err := r.api.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create external session: %w", err)
	}

	uid := userID
	sess := models.CoachSession{
		UserID:             userID,
		ActiveUserID:       &uid,
		ExternalSessionID:  externalID,
		AssistantProfileID: r.assistantID,
		Status:             models.SessionActive,
	}
	if err := r.db.Create(&sess).Error; err != nil {
		winner, gerr := r.GetActive(userID)
		if gerr == nil && winner != nil {
			log.Printf("[sessions] user %d raced session create, abandoning external session %s", userID, externalID)
			return winner, nil
		}
		return nil, fmt.Errorf("persist session: %w", err)
	}
	log.Printf("[sessions] created session %d (external %s) for user %d", sess.ID, externalID, userID)
	return &sess, nil
}

// Archive retires the user's active session. The next chat turn will create a
// fresh external session with no carried-over history.
func (r *SessionRegistry) Archive(userID uint) error {
	res := r.db.Model(&models.CoachSession{}).
		Where("active_user_id = ?", userID).
		Updates(map[string]interface{}{
			"active_user_id": nil,
			"status":         models.SessionArchived,
		})
	if res.Error != nil {
		return fmt.Errorf("archive session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	log.Printf("[sessions] archived active session for user %d", userID)
	return nil
}

// TouchContextInjection records when ambient user context was last written
// into the session, so it is refreshed at most once per day.
func (r *SessionRegistry) TouchContextInjection(sessionID uint, at time.Time) error {
	return r.db.Model(&models.CoachSession{}).
		Where("id = ?", sessionID).
		Update("last_context_injection_at", at).Error
}
