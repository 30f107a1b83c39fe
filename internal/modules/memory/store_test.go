package memory

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/domain"
	testdb "github.com/aristath/arena/internal/testing"
)

func newMemoryStore(t *testing.T) (*Store, *sql.DB) {
	db, cleanup := testdb.NewTestDBWithSchema(t, "memory", Schema)
	t.Cleanup(cleanup)
	return NewStore(db.Conn(), zerolog.Nop()), db.Conn()
}

// insertAt writes an entry with an explicit timestamp so ordering is
// deterministic regardless of clock granularity.
func insertAt(t *testing.T, db *sql.DB, category domain.MemoryCategory, content string, at time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO memory_entries (id, category, content, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.New().String(), string(category), content, at.UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
}

func TestWriteAndList(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	entry, err := store.Write(ctx, domain.MemoryExperience, "AVUV slipped 40bps on a market order")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, domain.MemoryExperience, entry.Category)

	_, err = store.Write(ctx, domain.MemorySummary, "March: approved DCA into VOO")
	require.NoError(t, err)

	experiences, err := store.List(ctx, domain.MemoryExperience, 10)
	require.NoError(t, err)
	require.Len(t, experiences, 1)
	assert.Equal(t, entry.ID, experiences[0].ID)

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWriteValidation(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, domain.MemorySummary, "   ")
	assert.Error(t, err)

	_, err = store.Write(ctx, domain.MemoryCategory("gossip"), "not a thing")
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	store, db := newMemoryStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	insertAt(t, db, domain.MemorySummary, "oldest", base)
	insertAt(t, db, domain.MemorySummary, "middle", base.Add(time.Hour))
	insertAt(t, db, domain.MemorySummary, "newest", base.Add(2*time.Hour))

	entries, err := store.List(context.Background(), domain.MemorySummary, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "newest", entries[0].Content)
	assert.Equal(t, "middle", entries[1].Content)
}

func TestContextSliceBounds(t *testing.T) {
	store, db := newMemoryStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		insertAt(t, db, domain.MemorySummary, fmt.Sprintf("summary %d", i), base.Add(time.Duration(i)*time.Minute))
	}
	insertAt(t, db, domain.MemoryReflection, "old reflection", base)
	insertAt(t, db, domain.MemoryReflection, "new reflection", base.Add(time.Hour))
	insertAt(t, db, domain.MemoryExperience, "experience", base)

	mc, err := store.ContextSlice(context.Background())
	require.NoError(t, err)

	require.Len(t, mc.Summaries, 3)
	assert.Equal(t, "summary 4", mc.Summaries[0].Content)
	require.Len(t, mc.Reflections, 1)
	assert.Equal(t, "new reflection", mc.Reflections[0].Content)
	assert.Len(t, mc.Experiences, 1)
}

func TestContextSliceDropsOldestExperiences(t *testing.T) {
	store, db := newMemoryStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		insertAt(t, db, domain.MemorySummary, fmt.Sprintf("summary %d", i), base.Add(time.Duration(i)*time.Minute))
	}
	insertAt(t, db, domain.MemoryReflection, "reflection", base)
	for i := 0; i < 25; i++ {
		insertAt(t, db, domain.MemoryExperience, fmt.Sprintf("experience %d", i), base.Add(time.Duration(i)*time.Minute))
	}

	mc, err := store.ContextSlice(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, mc.Len())
	require.Len(t, mc.Experiences, 16)

	// Newest experiences survive, the oldest nine are gone
	assert.Equal(t, "experience 24", mc.Experiences[0].Content)
	assert.Equal(t, "experience 9", mc.Experiences[15].Content)
}

func TestContextSliceEmptyStore(t *testing.T) {
	store, _ := newMemoryStore(t)

	mc, err := store.ContextSlice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, mc.Len())
}
