// Package jobs は PDF → Word 変換ジョブの受付、状態管理、実行を担います。
package jobs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/pdf"
	"github.com/yourusername/paper-convert/internal/storage"
)

// DocxContentType は変換結果のメディアタイプです。
const DocxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

const (
	msgJobNotFound      = "指定されたジョブが見つかりません。"
	msgResultNotFound   = "変換結果のファイルが見つかりません。期限切れの可能性があります。"
	msgDeleteProcessing = "変換中のジョブは削除できません。完了後に再度お試しください。"
	defaultEventBuffer  = 32
)

// Storage はジョブが使うファイル保存先です。
type Storage interface {
	StoreInput(ctx context.Context, jobID, originalName string, data []byte) (string, error)
	ReserveOutput(jobID, desiredName string) string
	CreateWorkDir(jobID string) (string, error)
	RemoveWorkDir(dir string) error
	VerifyOutput(path string) (int64, error)
	Adopt(produced, reserved string) (string, error)
	OpenOutput(path string) (*os.File, int64, error)
	Remove(path string) error
}

// Options は Manager の動作設定です。0 の上限値は無制限を意味します。
type Options struct {
	MaxFileSize       int64
	MaxPages          int
	ConversionTimeout time.Duration
	// Retention は終了したジョブを保持する時間です。0 の場合は削除しません。
	Retention     time.Duration
	ResultBaseURL string
	// Objects が設定されている場合、成果物をオブジェクトストレージにも保存します。
	Objects       storage.ObjectStore
	PresignExpiry time.Duration
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	opts       Options
	storage    Storage
	engine     convert.Engine
	dispatcher Dispatcher
	registry   *registry
	events     *broadcaster
	logger     *zap.SugaredLogger

	now   func() time.Time
	newID func() string

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   atomic.Bool
}

// NewManager は Manager を初期化します。ワーカーは StartWorkers で起動します。
func NewManager(opts Options, store Storage, engine convert.Engine, dispatcher Dispatcher, logger *zap.SugaredLogger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	if engine == nil {
		return nil, errors.New("engine is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if opts.ConversionTimeout <= 0 {
		return nil, errors.Newf("conversion timeout must be positive, got %s", opts.ConversionTimeout)
	}
	if opts.Retention < 0 {
		return nil, errors.Newf("retention must not be negative, got %s", opts.Retention)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Objects != nil && opts.PresignExpiry <= 0 {
		opts.PresignExpiry = time.Hour
	}

	return &Manager{
		opts:       opts,
		storage:    store,
		engine:     engine,
		dispatcher: dispatcher,
		registry:   newRegistry(),
		events:     newBroadcaster(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		timers:     make(map[string]*time.Timer),
	}, nil
}

// StartWorkers はディスパッチャーにジョブ実行関数を登録して起動します。
func (m *Manager) StartWorkers() error {
	return m.dispatcher.Start(m.execute)
}

// Shutdown は新規受付を止め、実行中のワーカーを停止します。
// 着手されなかったジョブは失敗として記録し、終了済みジョブのファイルは削除します。
// 記録自体は残るため、停止後も Status は参照できます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	m.timersMu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.timersMu.Unlock()

	err := m.dispatcher.Shutdown(ctx)

	for _, record := range m.registry.list() {
		switch {
		case record.State == StatePending:
			// キュー実行ではワーカーに渡らなかったタスクが残る
			m.failPending(record.JobID)
		case record.State.Terminal():
			m.removeFiles(ctx, &record)
		}
	}
	return err
}

// Submit はPDFを検証して保存し、変換ジョブを登録します。
// 変換の完了は待たず、pending 状態のスナップショットを返します。
func (m *Manager) Submit(ctx context.Context, data []byte, filename string) (*Record, error) {
	if m.closed.Load() {
		return nil, newError(CodeUnavailable, msgShuttingDown, nil)
	}

	name := strings.TrimSpace(filename)
	if name == "" {
		return nil, newError(CodeInvalidInput, "ファイル名が指定されていません。", nil)
	}
	if !pdf.HasPDFExtension(name) {
		return nil, newError(CodeInvalidInput, "PDFファイル（.pdf）を選択してください。", nil)
	}
	if len(data) == 0 {
		return nil, newError(CodeInvalidInput, "アップロードされたファイルが空です。", nil)
	}
	if m.opts.MaxFileSize > 0 && int64(len(data)) > m.opts.MaxFileSize {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%s）を超えています。", formatBytes(m.opts.MaxFileSize)), nil)
	}
	if !pdf.IsPDF(data) {
		return nil, newError(CodeInvalidInput, "PDFとして認識できないファイルです。", nil)
	}

	jobID := m.newID()
	inputPath, err := m.storage.StoreInput(ctx, jobID, name, data)
	if err != nil {
		m.logger.Errorw("failed to store upload", "jobId", jobID, "error", err)
		return nil, newError(CodeIOFailure, msgIOFailure, err)
	}

	now := m.now()
	record := &Record{
		JobID:        jobID,
		State:        StatePending,
		Message:      msgPending,
		OriginalName: name,
		DownloadName: pdf.DownloadName(name),
		InputPath:    inputPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.registry.insert(record); err != nil {
		_ = m.storage.Remove(inputPath)
		m.logger.Errorw("failed to register job", "jobId", jobID, "error", err)
		return nil, newError(CodeIOFailure, msgIOFailure, err)
	}
	m.publish(EventJobUpdate, record)

	if err := m.dispatcher.Dispatch(ctx, jobID); err != nil {
		m.discard(jobID)
		m.logger.Errorw("failed to dispatch job", "jobId", jobID, "error", err)
		if errors.Is(err, ErrDispatcherClosed) {
			return nil, newError(CodeUnavailable, msgShuttingDown, err)
		}
		return nil, newError(CodeIOFailure, "変換ジョブの登録に失敗しました。", err)
	}

	m.logger.Infow("job submitted", "jobId", jobID, "file", name, "size", len(data))
	return record.clone(), nil
}

// Status はジョブの現在状態を返します。
func (m *Manager) Status(jobID string) (*Record, error) {
	record, ok := m.registry.get(jobID)
	if !ok {
		return nil, newError(CodeNotFound, msgJobNotFound, nil)
	}
	return record, nil
}

// List は登録されている全ジョブのスナップショットを作成日時順に返します。
func (m *Manager) List() []Record {
	return m.registry.list()
}

// OpenResult は完了したジョブの成果物を開きます。呼び出し側で Close してください。
func (m *Manager) OpenResult(jobID string) (*Result, io.ReadCloser, error) {
	record, ok := m.registry.get(jobID)
	if !ok {
		return nil, nil, newError(CodeNotFound, msgJobNotFound, nil)
	}
	if record.State != StateCompleted {
		return nil, nil, newError(CodeNotReady, fmt.Sprintf("変換が完了していません（状態: %s）。", record.State), nil)
	}

	file, size, err := m.storage.OpenOutput(record.OutputPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, newError(CodeResultNotFound, msgResultNotFound, err)
		}
		m.logger.Errorw("failed to open result", "jobId", jobID, "error", err)
		return nil, nil, newError(CodeIOFailure, "変換結果の読み込みに失敗しました。", err)
	}

	return &Result{
		JobID:       record.JobID,
		Filename:    record.DownloadName,
		Size:        size,
		ContentType: DocxContentType,
	}, file, nil
}

// Delete は終了した（または未着手の）ジョブと関連ファイルを削除します。
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	record, err := m.registry.remove(jobID, func(r *Record) error {
		if r.State == StateProcessing {
			return newError(CodeNotReady, msgDeleteProcessing, nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.cleanup(ctx, record)
	m.logger.Infow("job deleted", "jobId", jobID, "state", record.State)
	return nil
}

// Subscribe はジョブの変化を受け取るチャネルと、購読を解除する関数を返します。
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe(defaultEventBuffer)
}

// execute は1件のジョブを実行します。ジョブごとに1回だけ呼ばれます。
func (m *Manager) execute(ctx context.Context, jobID string) {
	if err := ctx.Err(); err != nil {
		m.finishFailed(jobID, newError(CodeUnavailable, msgShuttingDown, err))
		return
	}

	started := false
	record, err := m.registry.update(jobID, func(r *Record) {
		if r.State == StatePending {
			r.start(m.now())
			started = true
		}
	})
	if err != nil {
		m.logger.Warnw("job disappeared before start", "jobId", jobID)
		return
	}
	if !started {
		m.logger.Warnw("job is no longer pending", "jobId", jobID, "state", record.State)
		return
	}
	m.publish(EventJobUpdate, record)
	m.logger.Infow("job started", "jobId", jobID)

	defer m.removeInput(record)

	outputPath, size, err := m.run(ctx, record)
	if err != nil {
		m.finishFailed(jobID, err)
		return
	}
	m.finishCompleted(ctx, record, outputPath, size)
}

func (m *Manager) run(ctx context.Context, record *Record) (string, int64, error) {
	meta, err := pdf.Inspect(record.InputPath)
	if err != nil {
		// 判定できないPDFでも変換エンジンが読める場合があるため続行する
		m.logger.Debugw("pdf inspection failed", "jobId", record.JobID, "error", err)
	} else {
		if _, err := m.registry.update(record.JobID, func(r *Record) { r.Pages = meta.Pages }); err != nil {
			return "", 0, err
		}
		if m.opts.MaxPages > 0 && meta.Pages > m.opts.MaxPages {
			return "", 0, newError(CodeLimitExceeded, fmt.Sprintf("ページ数が上限（%dページ）を超えています。", m.opts.MaxPages), nil)
		}
	}

	reserved := m.storage.ReserveOutput(record.JobID, record.DownloadName)
	workDir, err := m.storage.CreateWorkDir(record.JobID)
	if err != nil {
		m.logger.Errorw("failed to create work dir", "jobId", record.JobID, "error", err)
		return "", 0, newError(CodeIOFailure, msgIOFailure, err)
	}
	// エンジンが途中まで書いたファイルは成否にかかわらずディレクトリごと消す
	defer m.removeWorkDir(record.JobID, workDir)

	convCtx, cancel := context.WithTimeout(ctx, m.opts.ConversionTimeout)
	defer cancel()

	produced, err := m.convert(convCtx, record.JobID, record.InputPath, filepath.Join(workDir, filepath.Base(reserved)), workDir)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", 0, newError(CodeUnavailable, msgShuttingDown, err)
		case errors.Is(convCtx.Err(), context.DeadlineExceeded):
			return "", 0, newError(CodeConversionTimeout, fmt.Sprintf("変換が制限時間（%s）内に完了しませんでした。", m.opts.ConversionTimeout), err)
		}
		return "", 0, newError(CodeConversionFailed, msgConversionFailed, err)
	}

	adopted, err := m.storage.Adopt(produced, reserved)
	if err != nil {
		_ = m.storage.Remove(produced)
		return "", 0, outputError(err)
	}
	size, err := m.storage.VerifyOutput(adopted)
	if err != nil {
		_ = m.storage.Remove(adopted)
		return "", 0, outputError(err)
	}
	return adopted, size, nil
}

// outputError は成果物の欠落・空ファイルを変換失敗、それ以外を入出力エラーとして分類します。
func outputError(err error) *Error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrEmptyOutput) {
		return newError(CodeConversionFailed, msgConversionFailed, err)
	}
	return newError(CodeIOFailure, msgIOFailure, err)
}

type engineResult struct {
	path string
	err  error
}

func (m *Manager) removeWorkDir(jobID, dir string) {
	if err := m.storage.RemoveWorkDir(dir); err != nil {
		m.logger.Warnw("failed to remove work dir", "jobId", jobID, "error", err)
	}
}

// convert はエンジンを呼び出し、ctx の期限で打ち切ります。
// ctx を無視するエンジンでも期限どおりに戻り、遅れて生成されたファイルと workDir は
// エンジンが戻った時点で削除します。
func (m *Manager) convert(ctx context.Context, jobID, inputPath, outputHint, workDir string) (string, error) {
	done := make(chan engineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- engineResult{err: errors.Newf("conversion engine panicked: %v", r)}
			}
		}()
		path, err := m.engine.Convert(ctx, inputPath, outputHint)
		done <- engineResult{path: path, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.path == "" {
			return "", errors.New("conversion engine returned no output path")
		}
		return res.path, res.err
	case <-ctx.Done():
		go func() {
			res := <-done
			if res.err == nil && res.path != "" {
				if err := m.storage.Remove(res.path); err != nil {
					m.logger.Warnw("failed to remove late conversion output", "jobId", jobID, "error", err)
				}
			}
			m.removeWorkDir(jobID, workDir)
		}()
		return "", ctx.Err()
	}
}

func (m *Manager) finishCompleted(ctx context.Context, record *Record, outputPath string, size int64) {
	resultURL, objectKey := m.buildResultURL(ctx, record.JobID, record.DownloadName, outputPath)

	updated, err := m.registry.update(record.JobID, func(r *Record) {
		r.complete(m.now(), outputPath, size, resultURL, objectKey)
	})
	if err != nil {
		_ = m.storage.Remove(outputPath)
		m.logger.Warnw("job disappeared before completion", "jobId", record.JobID)
		return
	}
	m.publish(EventJobUpdate, updated)
	m.scheduleExpiry(record.JobID)
	m.logger.Infow("job completed", "jobId", record.JobID, "outputSize", size)
}

func (m *Manager) finishFailed(jobID string, cause error) {
	info := sanitize(cause)
	m.logger.Warnw("job failed", "jobId", jobID, "code", info.Code, "error", cause)

	failed := false
	updated, err := m.registry.update(jobID, func(r *Record) {
		if !r.State.Terminal() {
			r.fail(m.now(), info)
			failed = true
		}
	})
	if err != nil {
		m.logger.Warnw("job disappeared before failure was recorded", "jobId", jobID)
		return
	}
	if !failed {
		return
	}
	m.removeInput(updated)
	m.publish(EventJobUpdate, updated)
	m.scheduleExpiry(jobID)
}

// failPending は停止時にまだ着手されていないジョブを失敗として記録します。
func (m *Manager) failPending(jobID string) {
	info := ErrorInfo{Code: CodeUnavailable, Message: msgShuttingDown}
	failed := false
	updated, err := m.registry.update(jobID, func(r *Record) {
		if r.State == StatePending {
			r.fail(m.now(), info)
			failed = true
		}
	})
	if err != nil || !failed {
		return
	}
	m.logger.Warnw("job abandoned at shutdown", "jobId", jobID)
	m.removeInput(updated)
	m.publish(EventJobUpdate, updated)
}

func (m *Manager) removeInput(record *Record) {
	if err := m.storage.Remove(record.InputPath); err != nil {
		m.logger.Warnw("failed to remove upload", "jobId", record.JobID, "error", err)
	}
}

// buildResultURL は成果物の取得先URLを決めます。
// オブジェクトストレージが使える場合は署名付きURLを優先し、失敗時はAPI経由のURLに戻します。
func (m *Manager) buildResultURL(ctx context.Context, jobID, filename, outputPath string) (string, string) {
	if m.opts.Objects != nil {
		key := storage.ResultKey(jobID, filename)
		signed, err := m.mirror(ctx, key, outputPath)
		if err == nil {
			return signed, key
		}
		m.logger.Warnw("failed to mirror result to object storage", "jobId", jobID, "error", err)
	}

	base := m.opts.ResultBaseURL
	if base == "" {
		return fmt.Sprintf("/api/download/%s", jobID), ""
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), url.PathEscape(jobID)), ""
}

func (m *Manager) mirror(ctx context.Context, key, outputPath string) (string, error) {
	file, _, err := m.storage.OpenOutput(outputPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if err := m.opts.Objects.Upload(ctx, key, file, DocxContentType); err != nil {
		return "", err
	}
	signed, err := m.opts.Objects.PresignGet(ctx, key, m.opts.PresignExpiry)
	if err != nil {
		if delErr := m.opts.Objects.Delete(ctx, key); delErr != nil {
			m.logger.Warnw("failed to delete unsigned object", "key", key, "error", delErr)
		}
		return "", err
	}
	return signed, nil
}

func (m *Manager) scheduleExpiry(jobID string) {
	if m.opts.Retention <= 0 || m.closed.Load() {
		return
	}
	timer := time.AfterFunc(m.opts.Retention, func() {
		m.expire(jobID)
	})

	m.timersMu.Lock()
	m.timers[jobID] = timer
	m.timersMu.Unlock()
}

func (m *Manager) expire(jobID string) {
	m.timersMu.Lock()
	delete(m.timers, jobID)
	m.timersMu.Unlock()

	record, err := m.registry.remove(jobID, nil)
	if err != nil {
		return
	}
	m.cleanup(context.Background(), record)
	m.logger.Infow("job expired", "jobId", jobID, "state", record.State)
}

// discard は実行前に投入できなかったジョブを取り消します。
func (m *Manager) discard(jobID string) {
	record, err := m.registry.remove(jobID, nil)
	if err != nil {
		return
	}
	m.cleanup(context.Background(), record)
}

func (m *Manager) cleanup(ctx context.Context, record *Record) {
	m.timersMu.Lock()
	if timer, ok := m.timers[record.JobID]; ok {
		timer.Stop()
		delete(m.timers, record.JobID)
	}
	m.timersMu.Unlock()

	m.removeFiles(ctx, record)
	m.publish(EventJobRemoved, record)
}

// removeFiles はジョブの入力・成果物・ミラー先オブジェクトを削除します。
func (m *Manager) removeFiles(ctx context.Context, record *Record) {
	for _, path := range []string{record.InputPath, record.OutputPath} {
		if path == "" {
			continue
		}
		if err := m.storage.Remove(path); err != nil {
			m.logger.Warnw("failed to remove job file", "jobId", record.JobID, "error", err)
		}
	}
	if record.ObjectKey != "" && m.opts.Objects != nil {
		if err := m.opts.Objects.Delete(ctx, record.ObjectKey); err != nil {
			m.logger.Warnw("failed to delete mirrored result", "jobId", record.JobID, "error", err)
		}
	}
}

func (m *Manager) publish(eventType EventType, record *Record) {
	if dropped := m.events.publish(Event{Type: eventType, Record: *record.clone()}); dropped > 0 {
		m.logger.Debugw("dropped job events for slow subscribers", "jobId", record.JobID, "subscribers", dropped)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.0f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
