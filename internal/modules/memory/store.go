// Package memory persists the agent's accumulated context: run summaries,
// periodic reflections, and free-form experiences. The store is small on
// purpose; what goes into a harness is a bounded slice, never the full
// table.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

const (
	// Bounds for the harness memory slice
	summarySliceLimit    = 3
	reflectionSliceLimit = 1
	contextSliceCap      = 20
)

// Store implements domain.MemoryStore on app.db.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a memory store.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repo", "memory").Logger(),
	}
}

// List returns entries of a category, newest first. limit <= 0 returns all.
// An empty category returns entries across all categories.
func (s *Store) List(ctx context.Context, category domain.MemoryCategory, limit int) ([]domain.MemoryEntry, error) {
	query := `SELECT id, category, content, created_at FROM memory_entries`
	args := []interface{}{}

	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}

	return entries, nil
}

// Write stores a new entry and returns it.
func (s *Store) Write(ctx context.Context, category domain.MemoryCategory, content string) (*domain.MemoryEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty memory content")
	}

	switch category {
	case domain.MemorySummary, domain.MemoryReflection, domain.MemoryExperience:
	default:
		return nil, fmt.Errorf("unknown memory category %q", category)
	}

	entry := &domain.MemoryEntry{
		ID:        uuid.New().String(),
		Category:  category,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, category, content, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.ID, string(entry.Category), entry.Content, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to write memory entry: %w", err)
	}

	s.log.Debug().Str("category", string(category)).Str("id", entry.ID).Msg("Memory entry written")
	return entry, nil
}

// ContextSlice assembles the bounded memory slice embedded in a harness:
// the last 3 summaries, the last reflection, and experiences. When the
// total would exceed the cap, the oldest experiences are dropped first.
func (s *Store) ContextSlice(ctx context.Context) (*domain.MemoryContext, error) {
	summaries, err := s.List(ctx, domain.MemorySummary, summarySliceLimit)
	if err != nil {
		return nil, err
	}

	reflections, err := s.List(ctx, domain.MemoryReflection, reflectionSliceLimit)
	if err != nil {
		return nil, err
	}

	experiences, err := s.List(ctx, domain.MemoryExperience, 0)
	if err != nil {
		return nil, err
	}

	mc := &domain.MemoryContext{
		Summaries:   summaries,
		Reflections: reflections,
		Experiences: experiences,
	}

	if over := mc.Len() - contextSliceCap; over > 0 {
		// Experiences are newest first; the oldest sit at the tail
		kept := len(experiences) - over
		if kept < 0 {
			kept = 0
		}
		dropped := len(experiences) - kept
		mc.Experiences = experiences[:kept]

		s.log.Warn().
			Int("dropped", dropped).
			Int("cap", contextSliceCap).
			Msg("Memory context truncated, oldest experiences dropped")
	}

	return mc, nil
}

func scanEntry(rows *sql.Rows) (*domain.MemoryEntry, error) {
	var entry domain.MemoryEntry
	var category, createdAt string

	if err := rows.Scan(&entry.ID, &category, &entry.Content, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan memory entry: %w", err)
	}

	entry.Category = domain.MemoryCategory(category)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}

	return &entry, nil
}
