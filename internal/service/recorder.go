package service

import (
	"context"

	"intercom-core/internal/models"
	rediscommon "intercom-core/internal/redis"
	"intercom-core/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// callRecorder 通话记录落地：写库 + 发布下游 Stream
// 两路都是尽力而为，失败不回传给会话协调器（通话已结束，记录缺失
// 只影响报表）
type callRecorder struct {
	repo        *repository.CallRecordsRepository
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

func newCallRecorder(repo *repository.CallRecordsRepository, redisClient *redis.Client, stream string, logger *zap.Logger) *callRecorder {
	return &callRecorder{
		repo:        repo,
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// RecordCall 落一条通话记录
func (r *callRecorder) RecordCall(ctx context.Context, rec *models.CallRecord) {
	if err := r.repo.InsertCallRecord(ctx, rec); err != nil {
		r.logger.Error("Failed to persist call record",
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, r.redisClient, r.stream, rec); err != nil {
		r.logger.Warn("Failed to publish call record to stream",
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
	}
}
