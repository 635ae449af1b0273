package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/config"
)

// RoomLister 列出全部会话 id
type RoomLister interface {
	ListRoomIDs(ctx context.Context) ([]string, error)
}

// Scheduler 按 cron 表达式为每个会话投递一次清理任务
type Scheduler struct {
	cron     string
	keepLast int
	rooms    RoomLister
	pub      Publisher
	log      *zap.Logger
}

// NewScheduler 校验 cron 表达式并创建调度器，空表达式取每天 03:00
func NewScheduler(cfg config.RetentionConfig, rooms RoomLister, pub Publisher, log *zap.Logger) (*Scheduler, error) {
	expr := cfg.Cron
	if expr == "" {
		expr = "0 3 * * *"
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", cfg.Cron)
	}
	if cfg.KeepLast < 0 {
		return nil, fmt.Errorf("retention keepLast must not be negative: %d", cfg.KeepLast)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{cron: expr, keepLast: cfg.KeepLast, rooms: rooms, pub: pub, log: log}, nil
}

// Next 下一次触发时间（严格晚于 after）
func (s *Scheduler) Next(after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, after, false)
}

// Run 阻塞直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("retention scheduler started", zap.String("cron", s.cron), zap.Int("keep_last", s.keepLast))
	for {
		next, err := s.Next(time.Now())
		wait := time.Until(next)
		if err != nil {
			s.log.Error("retention next tick failed", zap.String("cron", s.cron), zap.Error(err))
			wait = 30 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("retention scheduler stopping")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if n, err := s.RunOnce(ctx); err != nil {
			s.log.Error("retention run failed", zap.Int("enqueued", n), zap.Error(err))
		} else {
			s.log.Info("retention jobs enqueued", zap.Int("enqueued", n))
		}
	}
}

// RunOnce 为每个会话投递一个任务，返回成功投递数；单个失败不影响其它会话
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.rooms.ListRoomIDs(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	var firstErr error
	for _, id := range ids {
		if err := s.pub.PublishCleanup(ctx, CleanupJob{RoomID: id, KeepLast: s.keepLast}); err != nil {
			s.log.Warn("enqueue cleanup failed", zap.String("room_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
	}
	return enqueued, firstErr
}
