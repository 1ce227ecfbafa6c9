// Package retention reaps stale users, empty rooms and old history.
package retention

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"codesync/internal/health"
	"codesync/pkg/interfaces"
)

// Policy holds the age thresholds of one sweep
type Policy struct {
	OfflineUserAge  time.Duration
	InactiveRoomAge time.Duration
	MessageDays     int
	DrawingDays     int
}

// DefaultPolicy keeps offline users a day, empty rooms a week, chat a month and drawings a week
func DefaultPolicy() Policy {
	return Policy{
		OfflineUserAge:  24 * time.Hour,
		InactiveRoomAge: 7 * 24 * time.Hour,
		MessageDays:     30,
		DrawingDays:     7,
	}
}

// HistoryPurger deletes chat and drawing history by age
type HistoryPurger interface {
	PurgeMessagesOlderThan(ctx context.Context, days int) (int64, error)
	PurgeDrawingsOlderThan(ctx context.Context, days int) (int64, error)
}

// Report counts what one sweep removed
type Report struct {
	OfflineUsers  int64         `json:"offline_users"`
	InactiveRooms int64         `json:"inactive_rooms"`
	Messages      int64         `json:"messages"`
	Drawings      int64         `json:"drawings"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Sweeper runs the four retention deletes against the store
// FUNCTIONAL DISCOVERY: Each delete runs even when an earlier one failed; the sweep
// reports the first failure after doing as much as it could
type Sweeper struct {
	store   interfaces.Store
	history HistoryPurger
	policy  Policy
	tracker *health.Tracker
	now     func() time.Time
	log     *logrus.Entry
}

func NewSweeper(store interfaces.Store, history HistoryPurger, policy Policy, tracker *health.Tracker) *Sweeper {
	return &Sweeper{
		store:   store,
		history: history,
		policy:  policy,
		tracker: tracker,
		now:     time.Now,
		log:     logrus.WithField("component", "retention"),
	}
}

// Sweep performs one pass
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := s.now()
	report := Report{StartedAt: start}
	var firstErr error
	step := func(name string, fn func() (int64, error), dst *int64) {
		n, err := fn()
		if err != nil {
			s.tracker.Record("retention_"+name, err)
			s.log.WithField("step", name).WithError(err).Error("Retention step failed")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "retention %s", name)
			}
			return
		}
		*dst = n
	}

	step("offline_users", func() (int64, error) {
		return s.store.DeleteOfflineUsers(ctx, start.Add(-s.policy.OfflineUserAge))
	}, &report.OfflineUsers)
	step("inactive_rooms", func() (int64, error) {
		return s.store.DeleteInactiveRooms(ctx, start.Add(-s.policy.InactiveRoomAge))
	}, &report.InactiveRooms)
	step("messages", func() (int64, error) {
		return s.history.PurgeMessagesOlderThan(ctx, s.policy.MessageDays)
	}, &report.Messages)
	step("drawings", func() (int64, error) {
		return s.history.PurgeDrawingsOlderThan(ctx, s.policy.DrawingDays)
	}, &report.Drawings)

	report.Duration = s.now().Sub(start)
	s.log.WithFields(logrus.Fields{
		"offline_users":  report.OfflineUsers,
		"inactive_rooms": report.InactiveRooms,
		"messages":       report.Messages,
		"drawings":       report.Drawings,
	}).Info("Retention sweep finished")
	return report, firstErr
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}
