package repository

import (
	"context"
	"testing"
	"time"

	"rpportal/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationRepository(t *testing.T) {
	repo := NewNotificationRepository(setupTestDB(t))
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &models.Notification{
			UserID:    user,
			Kind:      models.NotificationKindApplicationStatus,
			Title:     "Application updated",
			CreatedAt: march.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &models.Notification{UserID: uuid.New(), Kind: "other", Title: "x"}))

	list, err := repo.ListForUser(ctx, user, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	unread, err := repo.CountUnread(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(3), unread)

	err = repo.MarkRead(ctx, list[0].ID, uuid.New(), march)
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	require.NoError(t, repo.MarkRead(ctx, list[0].ID, user, march))
	require.NoError(t, repo.MarkRead(ctx, list[0].ID, user, march.Add(time.Hour)))

	unread, err = repo.CountUnread(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)
}
