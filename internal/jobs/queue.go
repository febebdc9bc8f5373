package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeConvert = "convert:docx"
	queueName       = "convert"
	// asynq 側の期限は変換タイムアウトより後に切れるようにする
	taskTimeoutGrace = 30 * time.Second
)

// TaskPayload は変換ジョブのキューペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// QueueDispatcher は Asynq（Redis）経由でジョブを実行します。
// ジョブ記録はプロセス内にあるため、投入したプロセス自身がワーカーも兼ねます。
type QueueDispatcher struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueueDispatcher は Redis URL から QueueDispatcher を作成します。
func NewQueueDispatcher(redisURL string, concurrency int, timeout time.Duration, logger *zap.SugaredLogger) (*QueueDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		Logger:   logger.Named("asynq"),
		LogLevel: asynq.WarnLevel,
	})

	return &QueueDispatcher{
		client:  asynq.NewClient(opt),
		server:  server,
		mux:     asynq.NewServeMux(),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (d *QueueDispatcher) Start(run RunFunc) error {
	if run == nil {
		return errors.New("run func is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errAlreadyStarted
	}

	d.mux.HandleFunc(taskTypeConvert, func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return errors.Wrap(asynq.SkipRetry, err.Error())
		}
		if payload.JobID == "" {
			return errors.Wrap(asynq.SkipRetry, "missing jobId in payload")
		}
		// 失敗はジョブ記録に残すため、Asynq には成功として返す
		run(ctx, payload.JobID)
		return nil
	})
	if err := d.server.Start(d.mux); err != nil {
		return errors.Wrap(err, "failed to start asynq server")
	}
	d.started = true
	return nil
}

// Dispatch はジョブIDをタスクIDとしてキューに投入します。同じジョブは二重に投入されません。
func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	closed, started := d.closed, d.started
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}
	if !started {
		return errNotStarted
	}

	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeConvert, body, asynq.Queue(queueName))
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout+taskTimeoutGrace),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s", jobID)
	}
	d.logger.Debugw("job enqueued", "jobId", jobID, "queue", info.Queue)
	return nil
}

// Shutdown は Asynq サーバーとクライアントを閉じます。
func (d *QueueDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if started {
			d.server.Shutdown()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "asynq server did not stop in time")
	}
	if closeErr := d.client.Close(); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, "failed to close asynq client")
	}
	return err
}
