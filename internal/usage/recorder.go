/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package usage aggregates per-key request and response statistics off the request path.
package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/telemetry"
)

// Event is one observation for a key. A validation event has no status code; a response event
// carries the HTTP status and latency of the request the key authorized.
type Event struct {
	KeyID      string
	At         time.Time
	StatusCode int
	Latency    time.Duration
}

func (e Event) isResponse() bool {
	return e.StatusCode != 0
}

// Config tunes the recorder.
type Config struct {
	QueueSize     int
	FlushInterval time.Duration
	// MaxPending flushes early once this many buckets are waiting.
	MaxPending int
	// FlushTimeout bounds the final flush on shutdown.
	FlushTimeout time.Duration
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		FlushInterval: 5 * time.Second,
		MaxPending:    1000,
		FlushTimeout:  5 * time.Second,
	}
}

type bucketKey struct {
	keyID       string
	bucket      time.Time
	granularity models.UsageGranularity
}

type aggregate struct {
	requests  int64
	responses int64
	totalMs   int64
	maxMs     int64
	minMs     int64
	statuses  map[int]int64
}

// Recorder accepts usage events without blocking and persists them in batches.
type Recorder struct {
	db     *gorm.DB
	keys   store.CredentialStore
	cfg    Config
	logger zerolog.Logger
	queue  chan Event

	mu       sync.Mutex
	pending  map[bucketKey]*aggregate
	lastUsed map[string]time.Time
}

// NewRecorder creates a recorder. keys may be nil, in which case lastUsedAt is not maintained.
func NewRecorder(db *gorm.DB, keys store.CredentialStore, cfg Config, logger zerolog.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Recorder{
		db:       db,
		keys:     keys,
		cfg:      cfg,
		logger:   logger.With().Str("component", "usage").Logger(),
		queue:    make(chan Event, cfg.QueueSize),
		pending:  make(map[bucketKey]*aggregate),
		lastUsed: make(map[string]time.Time),
	}
}

// Record enqueues an event. It never blocks; when the queue is full the event is dropped.
func (r *Recorder) Record(ev Event) {
	if ev.KeyID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case r.queue <- ev:
	default:
		telemetry.UsageEventsDroppedTotal.Inc()
		r.logger.Debug().Str("key_id", ev.KeyID).Msg("usage queue full, event dropped")
	}
}

// RecordValidation counts a successful validation.
func (r *Recorder) RecordValidation(keyID string, at time.Time) {
	r.Record(Event{KeyID: keyID, At: at})
}

// RecordResponse counts the response of a request authorized by keyID.
func (r *Recorder) RecordResponse(keyID string, status int, latency time.Duration) {
	r.Record(Event{KeyID: keyID, At: time.Now(), StatusCode: status, Latency: latency})
}

// Run aggregates queued events and flushes them on an interval until ctx is cancelled, then
// flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Info().Dur("flush_interval", r.cfg.FlushInterval).Int("queue_size", r.cfg.QueueSize).Msg("usage recorder started")
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
			_ = r.Flush(flushCtx)
			cancel()
			r.logger.Info().Msg("usage recorder stopped")
			return
		case ev := <-r.queue:
			if r.add(ev) >= r.cfg.MaxPending {
				_ = r.Flush(ctx)
			}
		case <-ticker.C:
			telemetry.UsageQueueDepth.Set(float64(len(r.queue)))
			_ = r.Flush(ctx)
		}
	}
}

// add folds ev into the pending aggregates and returns how many buckets are pending.
func (r *Recorder) add(ev Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := ev.At.UTC()
	for _, g := range []models.UsageGranularity{models.UsageHourly, models.UsageDaily} {
		k := bucketKey{keyID: ev.KeyID, bucket: BucketStart(at, g), granularity: g}
		agg := r.pending[k]
		if agg == nil {
			agg = &aggregate{statuses: make(map[int]int64)}
			r.pending[k] = agg
		}
		if !ev.isResponse() {
			agg.requests++
			continue
		}
		ms := ev.Latency.Milliseconds()
		if agg.responses == 0 || ms < agg.minMs {
			agg.minMs = ms
		}
		agg.responses++
		agg.totalMs += ms
		if ms > agg.maxMs {
			agg.maxMs = ms
		}
		agg.statuses[ev.StatusCode]++
	}
	if !ev.isResponse() && at.After(r.lastUsed[ev.KeyID]) {
		r.lastUsed[ev.KeyID] = at
	}
	return len(r.pending)
}

// drain moves everything queued into the pending aggregates.
func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.add(ev)
		default:
			telemetry.UsageQueueDepth.Set(0)
			return
		}
	}
}

// Flush writes pending aggregates. A failed batch is logged and discarded; usage is best
// effort and never retried.
func (r *Recorder) Flush(ctx context.Context) error {
	r.drain()

	r.mu.Lock()
	pending, lastUsed := r.pending, r.lastUsed
	r.pending = make(map[bucketKey]*aggregate)
	r.lastUsed = make(map[string]time.Time)
	r.mu.Unlock()

	if len(pending) == 0 && len(lastUsed) == 0 {
		return nil
	}

	if err := r.writeAggregates(ctx, pending); err != nil {
		telemetry.UsageFlushTotal.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Int("buckets", len(pending)).Msg("usage flush failed, batch dropped")
		return err
	}
	telemetry.UsageFlushTotal.WithLabelValues("ok").Inc()

	if r.keys != nil {
		for id, at := range lastUsed {
			at := at
			if err := r.keys.Update(ctx, id, store.Patch{LastUsedAt: &at}); err != nil {
				r.logger.Debug().Err(err).Str("key_id", id).Msg("failed to update last used time")
			}
		}
	}
	return nil
}

func (r *Recorder) writeAggregates(ctx context.Context, pending map[bucketKey]*aggregate) error {
	now := time.Now().UTC()
	records := make([]models.UsageRecord, 0, len(pending))
	var statuses []models.UsageStatusCount
	for k, agg := range pending {
		records = append(records, models.UsageRecord{
			KeyID:               k.keyID,
			Bucket:              k.bucket,
			Granularity:         k.granularity,
			TotalRequests:       agg.requests,
			ResponseCount:       agg.responses,
			ResponseTimeTotalMs: agg.totalMs,
			ResponseTimeMaxMs:   agg.maxMs,
			ResponseTimeMinMs:   agg.minMs,
			UpdatedAt:           now,
		})
		for code, n := range agg.statuses {
			statuses = append(statuses, models.UsageStatusCount{
				KeyID:       k.keyID,
				Bucket:      k.bucket,
				Granularity: k.granularity,
				StatusCode:  code,
				Count:       n,
			})
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key_id"}, {Name: "bucket"}, {Name: "granularity"}},
			// MySQL applies assignments in order, so the minimum must read response_count
			// before it is incremented.
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "response_time_min_ms"}, Value: least(tx, "api_key_usage", "response_time_min_ms", "response_count")},
				{Column: clause.Column{Name: "total_requests"}, Value: increment(tx, "api_key_usage", "total_requests")},
				{Column: clause.Column{Name: "response_count"}, Value: increment(tx, "api_key_usage", "response_count")},
				{Column: clause.Column{Name: "response_time_total_ms"}, Value: increment(tx, "api_key_usage", "response_time_total_ms")},
				{Column: clause.Column{Name: "response_time_max_ms"}, Value: greatest(tx, "api_key_usage", "response_time_max_ms")},
				{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr(incoming(tx, "updated_at"))},
			},
		}).CreateInBatches(&records, 200).Error; err != nil {
			return fmt.Errorf("upsert usage records: %w", err)
		}
		if len(statuses) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}, {Name: "bucket"}, {Name: "granularity"}, {Name: "status_code"}},
			DoUpdates: clause.Assignments(map[string]any{"count": increment(tx, "api_key_usage_status", "count")}),
		}).CreateInBatches(&statuses, 200).Error; err != nil {
			return fmt.Errorf("upsert usage status counts: %w", err)
		}
		return nil
	})
}

// incoming references the value of column from the row being inserted.
func incoming(db *gorm.DB, column string) string {
	if db.Dialector.Name() == "mysql" {
		return "VALUES(" + column + ")"
	}
	return "excluded." + column
}

func increment(db *gorm.DB, table, column string) clause.Expr {
	return gorm.Expr(fmt.Sprintf("%s.%s + %s", table, column, incoming(db, column)))
}

func greatest(db *gorm.DB, table, column string) clause.Expr {
	cur, in := table+"."+column, incoming(db, column)
	return gorm.Expr(fmt.Sprintf("CASE WHEN %s > %s THEN %s ELSE %s END", in, cur, in, cur))
}

// least keeps the smaller of the stored and incoming column, ignoring whichever side has no
// responses counted in countColumn.
func least(db *gorm.DB, table, column, countColumn string) clause.Expr {
	cur, in := table+"."+column, incoming(db, column)
	curCount, inCount := table+"."+countColumn, incoming(db, countColumn)
	return gorm.Expr(fmt.Sprintf("CASE WHEN %s = 0 THEN %s WHEN %s = 0 OR %s < %s THEN %s ELSE %s END",
		inCount, cur, curCount, in, cur, in, cur))
}

// BucketStart truncates t to the start of its bucket in UTC.
func BucketStart(t time.Time, g models.UsageGranularity) time.Time {
	t = t.UTC()
	if g == models.UsageDaily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// KeyUsage is the usage history of a key.
type KeyUsage struct {
	KeyID         string               `json:"key_id"`
	Since         time.Time            `json:"since"`
	TotalRequests int64                `json:"total_requests"`
	StatusCodes   map[int]int64        `json:"status_codes"`
	Buckets       []models.UsageRecord `json:"buckets"`
}

// Stats returns the hourly usage buckets of a key starting at since.
func (r *Recorder) Stats(ctx context.Context, keyID string, since time.Time) (*KeyUsage, error) {
	since = BucketStart(since, models.UsageHourly)
	out := &KeyUsage{KeyID: keyID, Since: since, StatusCodes: map[int]int64{}}

	if err := r.db.WithContext(ctx).
		Where("key_id = ? AND granularity = ? AND bucket >= ?", keyID, models.UsageHourly, since).
		Order("bucket ASC").
		Find(&out.Buckets).Error; err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	for _, b := range out.Buckets {
		out.TotalRequests += b.TotalRequests
	}

	var rows []models.UsageStatusCount
	if err := r.db.WithContext(ctx).
		Where("key_id = ? AND granularity = ? AND bucket >= ?", keyID, models.UsageHourly, since).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load usage status counts: %w", err)
	}
	for _, row := range rows {
		out.StatusCodes[row.StatusCode] += row.Count
	}
	return out, nil
}

// Totals is the service-wide usage summary.
type Totals struct {
	TotalRequests  int64         `json:"total_requests"`
	TotalResponses int64         `json:"total_responses"`
	ActiveKeys     int64         `json:"active_keys"`
	Daily          []DailyTotal  `json:"daily"`
	StatusCodes    map[int]int64 `json:"status_codes"`
}

// DailyTotal is one day of service-wide requests.
type DailyTotal struct {
	Day      time.Time `json:"day"`
	Requests int64     `json:"requests"`
}

// Totals sums daily usage across every key.
func (r *Recorder) Totals(ctx context.Context) (*Totals, error) {
	out := &Totals{StatusCodes: map[int]int64{}}
	db := r.db.WithContext(ctx)

	var sums struct {
		Requests  int64
		Responses int64
		KeyCount  int64
	}
	if err := db.Model(&models.UsageRecord{}).
		Select("COALESCE(SUM(total_requests), 0) AS requests, COALESCE(SUM(response_count), 0) AS responses, COUNT(DISTINCT key_id) AS key_count").
		Where("granularity = ?", models.UsageDaily).
		Scan(&sums).Error; err != nil {
		return nil, fmt.Errorf("sum usage: %w", err)
	}
	out.TotalRequests, out.TotalResponses, out.ActiveKeys = sums.Requests, sums.Responses, sums.KeyCount

	var daily []models.UsageRecord
	if err := db.Where("granularity = ?", models.UsageDaily).Find(&daily).Error; err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	perDay := make(map[time.Time]int64)
	for _, d := range daily {
		perDay[d.Bucket.UTC()] += d.TotalRequests
	}
	for day, n := range perDay {
		out.Daily = append(out.Daily, DailyTotal{Day: day, Requests: n})
	}
	sort.Slice(out.Daily, func(i, j int) bool { return out.Daily[i].Day.Before(out.Daily[j].Day) })

	var codes []models.UsageStatusCount
	if err := db.Where("granularity = ?", models.UsageDaily).Find(&codes).Error; err != nil {
		return nil, fmt.Errorf("load status counts: %w", err)
	}
	for _, c := range codes {
		out.StatusCodes[c.StatusCode] += c.Count
	}
	return out, nil
}
