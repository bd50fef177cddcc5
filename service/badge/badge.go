package badge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/service/storage/cache"
)

// TTL bounds how long an untouched unread counter survives.
const TTL = 7 * 24 * time.Hour

// Notifier is the slice of the broadcaster the badge service needs.
type Notifier interface {
	SendToUser(userID int64, event string, payload any) error
}

// Service maintains the per-(user, room) unread counters. The counter is
// the source of truth; the realtime badge_changed event is advisory and its
// delivery failure never rolls back a mutation.
type Service struct {
	log      *zap.Logger
	store    cache.Store
	notifier Notifier
}

func NewService(store cache.Store, notifier Notifier, log *zap.Logger) *Service {
	return &Service{log: log, store: store, notifier: notifier}
}

func counterKey(userID int64, roomID string) string {
	return fmt.Sprintf("badge:%d:%s", userID, roomID)
}

func roomsKey(userID int64) string {
	return fmt.Sprintf("badge:rooms:%d", userID)
}

// Increment bumps the counter and records the room in the user's tracked
// set so ListUnread never scans the keyspace.
func (s *Service) Increment(ctx context.Context, userID int64, roomID string) (int64, error) {
	key := counterKey(userID, roomID)
	n, err := s.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.store.Expire(ctx, key, TTL); err != nil {
			s.log.Warn("badge ttl set failed", zap.String("key", key), zap.Error(err))
		}
	}
	if err := s.store.SAdd(ctx, roomsKey(userID), roomID); err != nil {
		s.log.Warn("badge room set add failed", zap.Int64("userId", userID), zap.Error(err))
	} else {
		_ = s.store.Expire(ctx, roomsKey(userID), TTL)
	}
	s.emit(userID, roomID, n)
	return n, nil
}

// Get returns the current count; an expired or absent counter reads as 0.
func (s *Service) Get(ctx context.Context, userID int64, roomID string) (int64, error) {
	v, err := s.store.Get(ctx, counterKey(userID, roomID))
	if err == cache.ErrMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// Reset deletes the counter, equivalent to 0.
func (s *Service) Reset(ctx context.Context, userID int64, roomID string) error {
	if err := s.store.Del(ctx, counterKey(userID, roomID)); err != nil {
		return err
	}
	if err := s.store.SRem(ctx, roomsKey(userID), roomID); err != nil {
		s.log.Warn("badge room set remove failed", zap.Int64("userId", userID), zap.Error(err))
	}
	s.emit(userID, roomID, 0)
	return nil
}

// ResetAll clears every tracked room, then the set itself.
func (s *Service) ResetAll(ctx context.Context, userID int64) error {
	rooms, err := s.store.SMembers(ctx, roomsKey(userID))
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		if err := s.store.Del(ctx, counterKey(userID, roomID)); err != nil {
			return err
		}
		s.emit(userID, roomID, 0)
	}
	return s.store.Del(ctx, roomsKey(userID))
}

// SetCount is an administrative override; n <= 0 resets.
func (s *Service) SetCount(ctx context.Context, userID int64, roomID string, n int64) error {
	if n <= 0 {
		return s.Reset(ctx, userID, roomID)
	}
	if err := s.store.Set(ctx, counterKey(userID, roomID), strconv.FormatInt(n, 10), TTL); err != nil {
		return err
	}
	if err := s.store.SAdd(ctx, roomsKey(userID), roomID); err == nil {
		_ = s.store.Expire(ctx, roomsKey(userID), TTL)
	}
	s.emit(userID, roomID, n)
	return nil
}

// ListUnread returns the rooms with a nonzero counter and their counts.
func (s *Service) ListUnread(ctx context.Context, userID int64) (map[string]int64, error) {
	rooms, err := s.store.SMembers(ctx, roomsKey(userID))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rooms))
	for _, roomID := range rooms {
		n, err := s.Get(ctx, userID, roomID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out[roomID] = n
		}
	}
	return out, nil
}

func (s *Service) emit(userID int64, roomID string, count int64) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.SendToUser(userID, "badge_changed", map[string]any{
		"roomId": roomID,
		"count":  count,
	})
	if err != nil {
		s.log.Debug("badge event not delivered",
			zap.Int64("userId", userID), zap.String("roomId", roomID), zap.Error(err))
	}
}
