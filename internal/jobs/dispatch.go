package jobs

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrDispatcherClosed は停止済みのディスパッチャーに投入した場合のエラーです。
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	errNotStarted       = errors.New("dispatcher is not started")
	errAlreadyStarted   = errors.New("dispatcher is already started")
)

// RunFunc は1件のジョブを実行する関数です。
type RunFunc func(ctx context.Context, jobID string)

// Dispatcher はジョブをワーカーに割り当てます。
// 1件のジョブにつき RunFunc を1回だけ呼び出します。
type Dispatcher interface {
	Start(run RunFunc) error
	Dispatch(ctx context.Context, jobID string) error
	Shutdown(ctx context.Context) error
}

// LocalDispatcher はプロセス内の goroutine でジョブを実行します。
// 同時に実行されるジョブ数はセマフォで制限し、空きを待つジョブは pending のままです。
type LocalDispatcher struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	run    RunFunc
	closed bool
}

// NewLocalDispatcher は同時実行数 maxWorkers の LocalDispatcher を作成します。
func NewLocalDispatcher(maxWorkers int) *LocalDispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *LocalDispatcher) Start(run RunFunc) error {
	if run == nil {
		return errors.New("run func is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run != nil {
		return errAlreadyStarted
	}
	d.run = run
	return nil
}

// Dispatch はジョブ用の goroutine を起動します。ワーカーはリクエストの ctx ではなく
// ディスパッチャー自身の ctx で動くため、リクエスト終了後も処理は続きます。
func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.run == nil {
		return errNotStarted
	}

	run := d.run
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			// 停止済み。run 側で ctx を見て失敗として記録する
			run(d.ctx, jobID)
			return
		}
		defer d.sem.Release(1)
		run(d.ctx, jobID)
	}()
	return nil
}

// Shutdown は新規投入を止め、実行中のジョブをキャンセルして終了を待ちます。
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "workers did not stop in time")
	}
}
