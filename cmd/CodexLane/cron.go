package main

import (
	"context"
	"time"

	"CodexLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// startTokenRefreshCron 启动维护定时任务：主动刷新临期 Token 并清理过期用量历史
// 每 15 分钟执行一次；单次扫描最长 10 分钟
func startTokenRefreshCron(task *biz.TokenRefreshTask, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	// Cron 表达式：0 */15 * * * * （秒 分 时 日 月 周）
	_, err := c.AddFunc("0 */15 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		task.Run(ctx)
	})
	if err != nil {
		helper.Errorw("failed to register token refresh cron job", "error", err)
		return nil
	}

	c.Start()
	helper.Info("token refresh cron job started: runs every 15 minutes")
	return c
}
