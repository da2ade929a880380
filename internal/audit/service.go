/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit persists key lifecycle and security events as an audit trail.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/models"
)

// actions maps audited event types to their audit action.
var actions = map[events.EventType]models.AuditAction{
	events.EventKeyCreated:                models.AuditActionAPIKeyCreate,
	events.EventKeyUpdated:                models.AuditActionAPIKeyUpdate,
	events.EventKeyRotated:                models.AuditActionAPIKeyRotate,
	events.EventKeyRevoked:                models.AuditActionAPIKeyRevoke,
	events.EventKeyExpired:                models.AuditActionAPIKeyExpire,
	events.EventKeyDeleted:                models.AuditActionAPIKeyDelete,
	events.EventKeyExpiring:               models.AuditActionAPIKeyExpiring,
	events.EventSecuritySuspicious:        models.AuditActionSuspiciousKey,
	events.EventSecurityRepeatedFailures:  models.AuditActionRepeatedFailures,
	events.EventSecurityUnattributedFails: models.AuditActionUnknownKeySpike,
}

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db      *gorm.DB
	bus     events.Broker
	logger  zerolog.Logger
	started chan struct{}
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus events.Broker, logger zerolog.Logger) *Service {
	return &Service{
		db:      db,
		bus:     bus,
		logger:  logger.With().Str("component", "audit").Logger(),
		started: make(chan struct{}),
	}
}

// Started is closed once Start has subscribed to every event type.
func (s *Service) Started() <-chan struct{} {
	return s.started
}

type delivery struct {
	action  models.AuditAction
	payload events.Payload
}

// Start subscribes to lifecycle and security events and logs them until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	merged := make(chan delivery, 64)
	var wg sync.WaitGroup
	for eventType, action := range actions {
		sub := s.bus.Subscribe(eventType)
		defer s.bus.Unsubscribe(eventType, sub)

		wg.Add(1)
		go func(sub events.Subscriber, action models.AuditAction) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- delivery{action: action, payload: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub, action)
	}
	defer wg.Wait()

	close(s.started)
	s.logger.Info().Int("event_types", len(actions)).Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return
		case d := <-merged:
			s.logAuditEntry(ctx, d.action, d.payload)
		}
	}
}

// Direct returns a Publisher that writes audit entries synchronously. Short-lived processes
// use it so entries are stored before they exit.
func (s *Service) Direct(ctx context.Context) events.Publisher {
	return directPublisher{svc: s, ctx: ctx}
}

type directPublisher struct {
	svc *Service
	ctx context.Context
}

func (d directPublisher) Publish(eventType events.EventType, payload events.Payload) {
	if action, ok := actions[eventType]; ok {
		d.svc.logAuditEntry(d.ctx, action, payload)
	}
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		Action:  action,
		Details: make(map[string]any),
	}

	if actorID, ok := payload["actor_id"].(string); ok && actorID != "" {
		entry.ActorID = &actorID
	}
	if ownerID, ok := payload["owner_id"].(string); ok && ownerID != "" {
		entry.OwnerID = &ownerID
	}

	if keyID, ok := payload["key_id"].(string); ok && keyID != "" {
		entry.ResourceType = "api_key"
		entry.ResourceID = keyID
	} else if ip, ok := payload["source_ip"].(string); ok {
		entry.ResourceType = "source_ip"
		entry.ResourceID = ip
	}

	if ipAddress, ok := payload["ip_address"].(string); ok {
		entry.IPAddress = ipAddress
	}
	if userAgent, ok := payload["user_agent"].(string); ok {
		entry.UserAgent = userAgent
	}

	for k, v := range payload {
		switch k {
		case "actor_id", "owner_id", "key_id", "ip_address", "user_agent":
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	ActorID    *string
	OwnerID    *string
	ResourceID *string
	Action     *models.AuditAction
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// Query retrieves audit logs with filters, most recent first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.ActorID != nil {
		query = query.Where("actor_id = ?", *filters.ActorID)
	}
	if filters.OwnerID != nil {
		query = query.Where("owner_id = ?", *filters.OwnerID)
	}
	if filters.ResourceID != nil {
		query = query.Where("resource_id = ?", *filters.ResourceID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", filters.StartTime.UTC())
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", filters.EndTime.UTC())
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
