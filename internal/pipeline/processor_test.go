package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"saha-ai-go/internal/config"
	"saha-ai-go/internal/model"
	"saha-ai-go/internal/repository"
	"saha-ai-go/pkg/database"
	"saha-ai-go/pkg/tasks"
)

func TestPurgeProcessor_RemovesOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)

	kept, err := chats.Create(ctx, 1, "kept")
	require.NoError(t, err)
	gone, err := chats.Create(ctx, 1, "gone")
	require.NoError(t, err)
	for _, id := range []string{kept.ID, gone.ID} {
		_, err := messages.Append(ctx, id, model.SenderUser, "hello")
		require.NoError(t, err)
	}
	require.NoError(t, chats.Delete(ctx, gone.ID, 1))

	scheduler := NewInlineScheduler(NewPurgeProcessor(messages))
	require.NoError(t, scheduler.SchedulePurge(ctx, tasks.ChatPurgeTask{ChatID: gone.ID, OwnerID: 1}))
	// 会话仍然存在时任务不删除任何消息
	require.NoError(t, scheduler.SchedulePurge(ctx, tasks.ChatPurgeTask{ChatID: kept.ID, OwnerID: 1}))
	// 重复执行是安全的
	require.NoError(t, scheduler.SchedulePurge(ctx, tasks.ChatPurgeTask{ChatID: gone.ID, OwnerID: 1}))

	var remaining []model.Message
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, kept.ID, remaining[0].ChatID)
}
