package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/neurodeploy/platform/internal/config"
)

// slogLogger adapts slog to asynq.Logger
type slogLogger struct {
	log *slog.Logger
}

func (l slogLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l slogLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l slogLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l slogLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l slogLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}

// NewServer creates the worker server. Handlers run with the task timeout
// as their context deadline.
func NewServer(redis config.RedisConfig, cfg config.QueueConfig) *asynq.Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.NewServer(RedisOpt(redis), asynq.Config{
		Concurrency: concurrency,
		Logger:      slogLogger{log: slog.Default().With("component", "queue")},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			slog.Warn("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
		}),
	})
}
