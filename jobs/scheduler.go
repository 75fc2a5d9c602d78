package jobs

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/services"
)

// Transport delivers one due notification event. The production transport is
// the push provider integration; tests and single-node deploys use the
// logging transport.
type Transport interface {
	Deliver(ctx context.Context, ev models.NotificationEvent) error
}

// LogTransport writes deliveries to the application log.
type LogTransport struct{}

func (LogTransport) Deliver(_ context.Context, ev models.NotificationEvent) error {
	log.Printf("[jobs] deliver notification %d to user %d: %s", ev.ID, ev.UserID, ev.Title)
	return nil
}

// Scheduler runs the periodic maintenance work: notification dispatch, rate
// window sweeping and idle lock cleanup. One instance per process; it is not
// coordinated across nodes, so multi-node deploys should run it on one.
type Scheduler struct {
	db        *gorm.DB
	transport Transport
	limiter   *services.RateLimiter
	locks     *services.LockManager
	interval  time.Duration
}

func NewScheduler(db *gorm.DB, transport Transport, limiter *services.RateLimiter, locks *services.LockManager) *Scheduler {
	if transport == nil {
		transport = LogTransport{}
	}
	return &Scheduler{
		db:        db,
		transport: transport,
		limiter:   limiter,
		locks:     locks,
		interval:  30 * time.Second,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[jobs] scheduler started, interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[jobs] scheduler stopped")
			return
		case <-ticker.C:
			s.Process(ctx)
		}
	}
}

// Process runs one maintenance pass.
func (s *Scheduler) Process(ctx context.Context) {
	s.dispatchNotifications(ctx)
	s.limiter.Sweep()
	if removed := s.locks.Cleanup(30 * time.Minute); removed > 0 {
		log.Printf("[jobs] cleaned up %d idle user locks", removed)
	}
}

func (s *Scheduler) dispatchNotifications(ctx context.Context) {
	var due []models.NotificationEvent
	err := s.db.Where("status = ? AND deliver_after <= ?", models.NotificationPending, time.Now()).
		Order("deliver_after ASC").
		Limit(100).
		Find(&due).Error
	if err != nil {
		log.Printf("[jobs] failed to load due notifications: %v", err)
		return
	}
	for _, ev := range due {
		if err := s.transport.Deliver(ctx, ev); err != nil {
			log.Printf("[jobs] delivery failed for event %d: %v", ev.ID, err)
			continue
		}
		now := time.Now()
		uerr := s.db.Model(&models.NotificationEvent{}).
			Where("id = ? AND status = ?", ev.ID, models.NotificationPending).
			Updates(map[string]interface{}{"status": models.NotificationSent, "sent_at": &now}).Error
		if uerr != nil {
			log.Printf("[jobs] failed to mark event %d sent: %v", ev.ID, uerr)
		}
	}
}
