package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/tiller/internal/model"
)

func TestRecoverOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := newTestQueue(t, s, 5)

	orphan, err := s.CreateItem(ctx, CreateItemParams{QueueID: q.ID, Title: "orphan"})
	require.NoError(t, err)
	claimed, err := s.ClaimNextItem(ctx, q.ID, model.Identity{AgentID: "w1", SessionKey: "sess-1"}, ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, orphan.ID, claimed.ID)

	untouched, err := s.CreateItem(ctx, CreateItemParams{QueueID: q.ID, Title: "still pending"})
	require.NoError(t, err)

	recovered, err := s.RecoverOrphans(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := s.GetItem(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Contains(t, got.StatusReason, "requeued after restart")
	assert.Contains(t, got.StatusReason, "sess-1")
	assert.Nil(t, got.AssignedTo)
	assert.Nil(t, got.StartedAt)

	got, err = s.GetItem(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.StatusReason)

	// A second pass finds nothing.
	recovered, err = s.RecoverOrphans(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestRecoverOrphans_UnknownAssignee(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := newTestQueue(t, s, 5)

	item, err := s.CreateItem(ctx, CreateItemParams{QueueID: q.ID, Title: "task"})
	require.NoError(t, err)
	// An in-progress row with no assignment, as a partially written crash
	// might leave behind.
	_, err = s.UpdateItem(ctx, item.ID, ItemPatch{Status: Set(StatusInProgress)})
	require.NoError(t, err)

	recovered, err := s.RecoverOrphans(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Contains(t, got.StatusReason, "unknown")
}

func TestRecoverOrphanedWorkItems_NoDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	recovered, err := RecoverOrphanedWorkItems(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	// The existence check must not create the database.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverOrphanedWorkItems_ExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	q, err := s.CreateQueue(ctx, CreateQueueParams{AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, CreateItemParams{QueueID: q.ID, Title: "task"})
	require.NoError(t, err)
	_, err = s.ClaimNextItem(ctx, q.ID, model.Identity{AgentID: "w1"}, ClaimOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	recovered, err := RecoverOrphanedWorkItems(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	pending, err := s.ListItems(ctx, ItemFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
