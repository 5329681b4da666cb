package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"restpipe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()

	runStorageSuite(t, s)
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	note := &models.Note{ID: "n1", OwnerID: "alice", Title: "t", Tags: []string{"a"}, CreatedAt: time.Now()}
	require.NoError(t, s.CreateNote(ctx, note))

	note.Tags[0] = "mutated"
	got, err := s.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Tags)

	got.Title = "changed"
	again, err := s.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "t", again.Title)
}

func TestMemoryStorage_CloseClearsData(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.CreateNote(ctx, &models.Note{ID: "n1", OwnerID: "alice"}))
	require.NoError(t, s.Close())

	_, err := s.GetNote(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("n%02d", i)
			assert.NoError(t, s.CreateNote(ctx, &models.Note{ID: id, OwnerID: "alice", CreatedAt: time.Now()}))
			_, err := s.ListNotes(ctx, "alice")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	notes, err := s.ListNotes(ctx, "")
	require.NoError(t, err)
	assert.Len(t, notes, 20)
}
