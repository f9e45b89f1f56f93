package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"proctorhub/internal/metrics"
	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// DefaultHistoryLimit applies when RoomHistory is called with limit <= 0.
const DefaultHistoryLimit = 100

const (
	maxBatch     = 128
	writeTimeout = 30 * time.Second
)

var _ interfaces.PresenceJournal = (*Manager)(nil)

// Manager is the SQLite presence journal. Every write goes through a single
// writer goroutine; reads use the connection pool directly.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	records      chan *types.PresenceEvent
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
	logger       *zap.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and starts the
// writer goroutine.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}
	if !strings.HasPrefix(config.DatabasePath, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		records:      make(chan *types.PresenceEvent, config.QueueSize),
		writeChannel: make(chan writeOperation, 16),
		shutdown:     make(chan struct{}),
		retryDelay:   time.Second,
		logger:       logger,
	}
	m.wg.Add(1)
	go m.writeLoop()

	logger.Info("presence journal opened", zap.String("path", config.DatabasePath))
	return m, nil
}

// Record queues an event for the writer. It never blocks: when the queue is
// full or the journal is closed the event is dropped.
func (m *Manager) Record(event *types.PresenceEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.records <- event:
	default:
		metrics.Dropped(metrics.ReasonJournalFull)
		m.logger.Warn("presence journal queue full",
			zap.String("room", string(event.RoomKind)+":"+event.RoomKey),
			zap.String("conn_id", event.ConnID),
			zap.String("event", event.Event))
	}
}

// writeLoop owns every write. Queued records are always flushed before an
// explicit write operation runs, so an operation observes every record
// queued before it.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.records:
			m.insert(m.collect(event))

		case op := <-m.writeChannel:
			m.flushPending()
			op.result <- m.withRetry(op.operation)

		case <-m.shutdown:
			m.flushPending()
			m.logger.Debug("journal write loop shutting down")
			return
		}
	}
}

// collect gathers first plus whatever else is already queued, up to maxBatch.
func (m *Manager) collect(first *types.PresenceEvent) []*types.PresenceEvent {
	batch := []*types.PresenceEvent{first}
	for len(batch) < maxBatch {
		select {
		case event := <-m.records:
			batch = append(batch, event)
		default:
			return batch
		}
	}
	return batch
}

func (m *Manager) flushPending() {
	for {
		select {
		case event := <-m.records:
			m.insert(m.collect(event))
		default:
			return
		}
	}
}

func (m *Manager) insert(batch []*types.PresenceEvent) {
	err := m.withRetry(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.Prepare(`
			INSERT INTO presence_events (room_kind, room_key, conn_id, user_id, role, event, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, e := range batch {
			if _, err := stmt.Exec(string(e.RoomKind), e.RoomKey, e.ConnID, e.UserID, e.Role, e.Event, e.At.UnixMilli()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		m.logger.Error("presence events lost", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// withRetry runs op and retries it once after retryDelay.
func (m *Manager) withRetry(op func(*sql.DB) error) error {
	err := op(m.db)
	if err == nil {
		return nil
	}
	m.logger.Warn("journal write failed, retrying", zap.Duration("delay", m.retryDelay), zap.Error(err))
	time.Sleep(m.retryDelay)
	if err = op(m.db); err != nil {
		m.logger.Error("journal write failed after retry", zap.Error(err))
	}
	return err
}

// executeWrite hands op to the writer goroutine and waits for its result.
func (m *Manager) executeWrite(ctx context.Context, op func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrJournalClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: op, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrJournalClosed
	case <-timer.C:
		return ErrWriteTimeout
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// Flush waits until every record queued before the call has been written.
func (m *Manager) Flush(ctx context.Context) error {
	return m.executeWrite(ctx, func(*sql.DB) error { return nil })
}

// RoomHistory returns the newest limit events of room, oldest first.
func (m *Manager) RoomHistory(ctx context.Context, room types.RoomRef, limit int) ([]*types.PresenceEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_kind, room_key, conn_id, user_id, role, event, at
		FROM presence_events
		WHERE room_kind = ? AND room_key = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(room.Kind), room.Key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := []*types.PresenceEvent{}
	for rows.Next() {
		var (
			e    types.PresenceEvent
			kind string
			at   int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.RoomKey, &e.ConnID, &e.UserID, &e.Role, &e.Event, &at); err != nil {
			return nil, fmt.Errorf("failed to scan presence event: %w", err)
		}
		e.RoomKind = types.RoomKind(kind)
		e.At = time.UnixMilli(at).UTC()
		history = append(history, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// Prune deletes events recorded before cutoff.
func (m *Manager) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM presence_events WHERE at < ?", cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune presence events: %w", err)
	}
	return deleted, nil
}

// HealthCheck verifies the database answers queries.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrJournalClosed
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM presence_events WHERE id = 0").Scan(&n); err != nil {
		return fmt.Errorf("journal query failed: %w", err)
	}
	return nil
}

// Close flushes queued records, stops the writer and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}
