// Package sqlstore persists sessions, transcripts and flows in PostgreSQL through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
)

// Backend names the PostgreSQL backend.
const Backend = "postgres"

// Store implements store.Store over a gorm connection.
type Store struct {
	db    *gorm.DB
	clock *timebase.Clock
}

// Open connects to dsn and migrates the three tables.
func Open(dsn string, clock *timebase.Clock) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("db_url is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db, clock)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB, clock *timebase.Clock) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		clock = timebase.NewClock(nil)
	}
	if err := db.AutoMigrate(&sessionRow{}, &transcriptRow{}, &flowRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db, clock: clock}
	if err := s.observePersistedStamps(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Backend() string { return Backend }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateSession(ctx context.Context, session callflow.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	row, err := toSessionRow(s.stampSession(session))
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("create session %s: %w", session.CallID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", session.CallID, store.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) PutSession(ctx context.Context, session callflow.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	row, err := toSessionRow(s.stampSession(session))
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) GetSession(ctx context.Context, callID string) (callflow.Session, error) {
	callID = strings.TrimSpace(callID)
	var row sessionRow
	err := s.db.WithContext(ctx).First(&row, "call_id = ?", callID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return callflow.Session{}, fmt.Errorf("session %s: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return callflow.Session{}, err
	}
	transcripts, err := s.transcriptsFor(ctx, s.db, []string{callID})
	if err != nil {
		return callflow.Session{}, err
	}
	return fromSessionRow(row, transcripts[callID])
}

// PatchSession locks the row for the read-modify-write so concurrent patches
// to one call serialize; patches to different calls do not contend.
func (s *Store) PatchSession(ctx context.Context, callID string, patch callflow.SessionPatch) (callflow.Session, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return callflow.Session{}, fmt.Errorf("call_id is required")
	}
	var out callflow.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session := store.NewPatchTarget(callID)
		var row sessionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "call_id = ?", callID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if session, err = fromSessionRow(row, nil); err != nil {
				return err
			}
		}
		if err := patch.Apply(&session); err != nil {
			return fmt.Errorf("patch session %s: %w", callID, err)
		}
		session.LastUpdate = s.clock.Stamp()
		if session.CreatedAt == "" {
			session.CreatedAt = session.LastUpdate
		}
		updated, err := toSessionRow(session)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&updated).Error; err != nil {
			return err
		}
		transcripts, err := s.transcriptsFor(ctx, tx, []string{callID})
		if err != nil {
			return err
		}
		session.Transcripts = transcripts[callID]
		out = session
		return nil
	})
	if err != nil {
		return callflow.Session{}, err
	}
	return out.Clone(), nil
}

func (s *Store) ListSessions(ctx context.Context) ([]callflow.Session, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("call_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.CallID)
	}
	transcripts, err := s.transcriptsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]callflow.Session, 0, len(rows))
	for _, row := range rows {
		session, err := fromSessionRow(row, transcripts[row.CallID])
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	store.SortSessionsRecentFirst(out)
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, callID string) error {
	callID = strings.TrimSpace(callID)
	result := s.db.WithContext(ctx).Delete(&sessionRow{}, "call_id = ?", callID)
	if result.Error != nil {
		return fmt.Errorf("delete session %s: %w", callID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", callID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendTranscript(ctx context.Context, entry callflow.TranscriptEntry) (callflow.TranscriptEntry, error) {
	if entry.Timestamp == "" {
		entry.Timestamp = s.clock.Stamp()
	}
	if err := entry.Validate(); err != nil {
		return callflow.TranscriptEntry{}, err
	}
	row := toTranscriptRow(entry)
	row.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&sessionRow{}).Where("call_id = ?", entry.CallID).Update("last_update", s.clock.Stamp()).Error
	})
	if err != nil {
		return callflow.TranscriptEntry{}, fmt.Errorf("append transcript for %s: %w", entry.CallID, err)
	}
	return fromTranscriptRow(row), nil
}

func (s *Store) QueryTranscripts(ctx context.Context, q store.TranscriptQuery) ([]callflow.TranscriptEntry, error) {
	q = q.Normalize()
	tx := s.db.WithContext(ctx).Model(&transcriptRow{})
	if q.CallID != "" {
		tx = tx.Where("call_id = ?", q.CallID)
	}
	if q.From != "" {
		tx = tx.Where(`"timestamp" COLLATE "C" >= ?`, q.From)
	}
	if q.To != "" {
		tx = tx.Where(`"timestamp" COLLATE "C" <= ?`, q.To)
	}
	var rows []transcriptRow
	if err := tx.Order(`"timestamp" COLLATE "C" DESC`).Order("id DESC").Limit(q.Limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]callflow.TranscriptEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromTranscriptRow(row))
	}
	return out, nil
}

func (s *Store) UpsertFlow(ctx context.Context, flow callflow.Flow) (callflow.Flow, error) {
	if err := flow.Validate(); err != nil {
		return callflow.Flow{}, err
	}
	stored := flow.Clone()
	stored.UpdatedAt = s.clock.Stamp()
	row, err := toFlowRow(stored)
	if err != nil {
		return callflow.Flow{}, err
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return callflow.Flow{}, fmt.Errorf("upsert flow %s: %w", flow.FlowID, err)
	}
	return stored, nil
}

func (s *Store) GetFlow(ctx context.Context, flowID string) (callflow.Flow, error) {
	flowID = strings.TrimSpace(flowID)
	var row flowRow
	err := s.db.WithContext(ctx).First(&row, "flow_id = ?", flowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return callflow.Flow{}, fmt.Errorf("flow %s: %w", flowID, store.ErrNotFound)
	}
	if err != nil {
		return callflow.Flow{}, err
	}
	return fromFlowRow(row)
}

func (s *Store) ListFlows(ctx context.Context) ([]callflow.Flow, error) {
	var rows []flowRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Order("flow_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]callflow.Flow, 0, len(rows))
	for _, row := range rows {
		flow, err := fromFlowRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, nil
}

func (s *Store) transcriptsFor(ctx context.Context, db *gorm.DB, callIDs []string) (map[string][]callflow.TranscriptEntry, error) {
	out := make(map[string][]callflow.TranscriptEntry, len(callIDs))
	if len(callIDs) == 0 {
		return out, nil
	}
	var rows []transcriptRow
	err := db.WithContext(ctx).
		Where("call_id IN ?", callIDs).
		Order(`"timestamp" COLLATE "C" ASC`).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.CallID] = append(out[row.CallID], fromTranscriptRow(row))
	}
	return out, nil
}

func (s *Store) stampSession(session callflow.Session) callflow.Session {
	session = session.Clone()
	session.LastUpdate = s.clock.Stamp()
	if session.CreatedAt == "" {
		session.CreatedAt = session.LastUpdate
	}
	return session
}

func (s *Store) observePersistedStamps() error {
	var sessionStamp, flowStamp string
	if err := s.db.Model(&sessionRow{}).Select("COALESCE(MAX(last_update), '')").Row().Scan(&sessionStamp); err != nil {
		return fmt.Errorf("read latest session stamp: %w", err)
	}
	if err := s.db.Model(&flowRow{}).Select("COALESCE(MAX(updated_at), '')").Row().Scan(&flowStamp); err != nil {
		return fmt.Errorf("read latest flow stamp: %w", err)
	}
	s.clock.Observe(sessionStamp)
	s.clock.Observe(flowStamp)
	return nil
}
