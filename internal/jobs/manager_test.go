package jobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/storage"
)

const waitTimeout = 5 * time.Second

func samplePDF(body string) []byte {
	return []byte("%PDF-1.4\n" + body + "\n%%EOF\n")
}

// buildPDF はページ数を読み取れる最小構成のPDFを作ります。
func buildPDF(pages int) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		writeObj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// copyEngine は入力の内容に接頭辞を付けて出力します。
func copyEngine() convert.Engine {
	return convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return "", err
		}
		return outputHint, os.WriteFile(outputHint, append([]byte("docx:"), data...), 0o640)
	})
}

func expectedOutput(input []byte) []byte {
	return append([]byte("docx:"), input...)
}

type testEnv struct {
	manager *Manager
	store   *storage.Local
}

func newTestEnv(t *testing.T, engine convert.Engine, configure func(*Options)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, engine, NewLocalDispatcher(4), configure)
}

func newTestEnvWith(t *testing.T, engine convert.Engine, dispatcher Dispatcher, configure func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocal(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	require.NoError(t, err)

	opts := Options{
		MaxFileSize:       1 << 20,
		MaxPages:          10,
		ConversionTimeout: 2 * time.Second,
	}
	if configure != nil {
		configure(&opts)
	}

	manager, err := NewManager(opts, store, engine, dispatcher, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, manager.StartWorkers())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return &testEnv{manager: manager, store: store}
}

func (e *testEnv) waitTerminal(t *testing.T, jobID string) *Record {
	t.Helper()
	require.Eventually(t, func() bool {
		record, err := e.manager.Status(jobID)
		return err == nil && record.State.Terminal()
	}, waitTimeout, 5*time.Millisecond)
	record, err := e.manager.Status(jobID)
	require.NoError(t, err)
	return record
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestSubmitRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t, copyEngine(), nil)

	_, err := env.manager.Submit(context.Background(), []byte("0123456789"), "a.txt")
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))

	assert.Empty(t, env.manager.List())
	assert.Empty(t, dirEntries(t, env.store.UploadDir()))
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, copyEngine(), func(o *Options) { o.MaxFileSize = 64 })

	cases := []struct {
		name     string
		filename string
		data     []byte
		code     string
	}{
		{"empty", "a.pdf", nil, CodeInvalidInput},
		{"no name", "  ", samplePDF("x"), CodeInvalidInput},
		{"signature mismatch", "fake.pdf", []byte("hello world, not a pdf"), CodeInvalidInput},
		{"too large", "big.pdf", samplePDF(string(bytes.Repeat([]byte("x"), 128))), CodeLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.manager.Submit(context.Background(), tc.data, tc.filename)
			require.Error(t, err)
			assert.Equal(t, tc.code, ErrorCode(err))
			assert.True(t, IsInvalidInput(err))
		})
	}
	assert.Empty(t, env.manager.List())
}

func TestSubmitCompletesConversion(t *testing.T) {
	env := newTestEnv(t, copyEngine(), nil)
	input := samplePDF("hello")

	record, err := env.manager.Submit(context.Background(), input, "Report.PDF")
	require.NoError(t, err)
	assert.Equal(t, StatePending, record.State)
	assert.Equal(t, "Report.docx", record.DownloadName)

	status, err := env.manager.Status(record.JobID)
	require.NoError(t, err)
	assert.Contains(t, []State{StatePending, StateProcessing, StateCompleted}, status.State)

	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateCompleted, done.State, "error: %+v", done.Error)
	assert.Nil(t, done.Error)
	assert.Equal(t, "/api/download/"+record.JobID, done.ResultURL)
	assert.Equal(t, int64(len(expectedOutput(input))), done.OutputSize)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	result, body, err := env.manager.OpenResult(record.JobID)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, expectedOutput(input), data)
	assert.Equal(t, "Report.docx", result.Filename)
	assert.Equal(t, DocxContentType, result.ContentType)

	// 入力PDFは変換後に削除される
	assert.Empty(t, dirEntries(t, env.store.UploadDir()))
}

func TestConversionTimeout(t *testing.T) {
	const unit = 100 * time.Millisecond

	engines := map[string]func(returned chan<- struct{}) convert.Engine{
		"ignores context": func(returned chan<- struct{}) convert.Engine {
			return convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
				defer func() { returned <- struct{}{} }()
				time.Sleep(2 * unit)
				return outputHint, os.WriteFile(outputHint, []byte("late"), 0o640)
			})
		},
		"honors context": func(returned chan<- struct{}) convert.Engine {
			return convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
				defer func() { returned <- struct{}{} }()
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(2 * unit):
				}
				return outputHint, os.WriteFile(outputHint, []byte("late"), 0o640)
			})
		},
	}

	for name, build := range engines {
		t.Run(name, func(t *testing.T) {
			returned := make(chan struct{}, 1)
			env := newTestEnv(t, build(returned), func(o *Options) { o.ConversionTimeout = unit })

			record, err := env.manager.Submit(context.Background(), samplePDF("slow"), "slow.pdf")
			require.NoError(t, err)

			done := env.waitTerminal(t, record.JobID)
			require.Equal(t, StateFailed, done.State)
			require.NotNil(t, done.Error)
			assert.Equal(t, CodeConversionTimeout, done.Error.Code)
			assert.Contains(t, done.Message, "制限時間")

			_, _, err = env.manager.OpenResult(record.JobID)
			assert.True(t, IsNotReady(err))

			// 遅れて書かれた成果物も残らない
			select {
			case <-returned:
			case <-time.After(waitTimeout):
				t.Fatal("engine did not return")
			}
			assert.Eventually(t, func() bool {
				return len(dirEntries(t, env.store.OutputDir())) == 0
			}, waitTimeout, 10*time.Millisecond)
		})
	}
}

func TestStatusUnknownJob(t *testing.T) {
	env := newTestEnv(t, copyEngine(), nil)

	_, err := env.manager.Status("does-not-exist")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, CodeNotFound, ErrorCode(err))

	_, _, err = env.manager.OpenResult("does-not-exist")
	assert.True(t, IsNotFound(err))

	err = env.manager.Delete(context.Background(), "does-not-exist")
	assert.True(t, IsNotFound(err))
}

// kindEngine は入力に含まれる種別で成功・失敗・タイムアウトを切り替えます。
func kindEngine() convert.Engine {
	return convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return "", err
		}
		switch {
		case bytes.Contains(data, []byte("broken-")):
			return "", errors.New("cannot parse document")
		case bytes.Contains(data, []byte("slow-")):
			<-ctx.Done()
			return "", ctx.Err()
		}
		return outputHint, os.WriteFile(outputHint, append([]byte("docx:"), data...), 0o640)
	})
}

func TestConcurrentSubmissionsAreIsolated(t *testing.T) {
	env := newTestEnv(t, kindEngine(), func(o *Options) { o.ConversionTimeout = 200 * time.Millisecond })
	const n = 20
	kinds := []string{"ok", "broken", "slow"}

	ids := make([]string, n)
	inputs := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inputs[i] = samplePDF(fmt.Sprintf("%s-%02d", kinds[i%len(kinds)], i))
			record, err := env.manager.Submit(context.Background(), inputs[i], "same-name.pdf")
			if assert.NoError(t, err) {
				ids[i] = record.JobID
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate job id %s", id)
		seen[id] = true
	}

	for i, id := range ids {
		done := env.waitTerminal(t, id)
		switch kinds[i%len(kinds)] {
		case "ok":
			require.Equal(t, StateCompleted, done.State, "job %d: %+v", i, done.Error)
			_, body, err := env.manager.OpenResult(id)
			require.NoError(t, err)
			data, err := io.ReadAll(body)
			body.Close()
			require.NoError(t, err)
			assert.Equal(t, expectedOutput(inputs[i]), data)
		case "broken":
			require.Equal(t, StateFailed, done.State, "job %d", i)
			assert.Equal(t, CodeConversionFailed, done.Error.Code, "job %d", i)
		case "slow":
			require.Equal(t, StateFailed, done.State, "job %d", i)
			assert.Equal(t, CodeConversionTimeout, done.Error.Code, "job %d", i)
		}
	}
	assert.Len(t, env.manager.List(), n)
	assert.Empty(t, dirEntries(t, env.store.UploadDir()))
}

func TestSubmitDoesNotWaitForBusyWorkers(t *testing.T) {
	release := make(chan struct{})
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return outputHint, os.WriteFile(outputHint, []byte("docx"), 0o640)
	})
	env := newTestEnvWith(t, engine, NewLocalDispatcher(2), func(o *Options) { o.ConversionTimeout = time.Minute })

	busy := make([]string, 2)
	for i := range busy {
		record, err := env.manager.Submit(context.Background(), samplePDF(fmt.Sprintf("busy-%d", i)), "busy.pdf")
		require.NoError(t, err)
		busy[i] = record.JobID
	}
	require.Eventually(t, func() bool {
		for _, id := range busy {
			record, err := env.manager.Status(id)
			if err != nil || record.State != StateProcessing {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)

	// 全ワーカーが埋まっていても受付と状態照会は待たされない
	begin := time.Now()
	record, err := env.manager.Submit(context.Background(), samplePDF("waiting"), "waiting.pdf")
	require.NoError(t, err)
	waiting, err := env.manager.Status(record.JobID)
	require.NoError(t, err)
	_, err = env.manager.Status(busy[0])
	require.NoError(t, err)
	elapsed := time.Since(begin)

	assert.Equal(t, StatePending, waiting.State)
	assert.Less(t, elapsed, 500*time.Millisecond)

	close(release)
	assert.Equal(t, StateCompleted, env.waitTerminal(t, record.JobID).State)
}

func TestEngineFailureIsSanitized(t *testing.T) {
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		return "", errors.Newf("soffice failed: cannot open %s", inputPath)
	})
	env := newTestEnv(t, engine, nil)

	record, err := env.manager.Submit(context.Background(), samplePDF("broken"), "broken.pdf")
	require.NoError(t, err)

	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, CodeConversionFailed, done.Error.Code)
	assert.NotContains(t, done.Error.Message, env.store.UploadDir())
	assert.NotContains(t, done.Message, "soffice")
	assert.Empty(t, done.ResultURL)

	_, _, err = env.manager.OpenResult(record.JobID)
	assert.True(t, IsNotReady(err))
}

func TestEngineMisbehaviourFailsJob(t *testing.T) {
	engines := map[string]convert.Engine{
		"empty output": convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
			return outputHint, os.WriteFile(outputHint, nil, 0o640)
		}),
		"missing output": convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
			return outputHint + ".missing", nil
		}),
		"no path": convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
			return "", nil
		}),
		"panic": convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
			panic("engine exploded")
		}),
	}
	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, engine, nil)
			record, err := env.manager.Submit(context.Background(), samplePDF(name), "x.pdf")
			require.NoError(t, err)

			done := env.waitTerminal(t, record.JobID)
			require.Equal(t, StateFailed, done.State)
			assert.Equal(t, CodeConversionFailed, done.Error.Code)
			assert.Empty(t, dirEntries(t, env.store.OutputDir()))
		})
	}
}

func TestFailedConversionLeavesNoFiles(t *testing.T) {
	cases := map[string]struct {
		finish func(ctx context.Context) error
		code   string
	}{
		"timeout": {
			finish: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			code: CodeConversionTimeout,
		},
		"engine error": {
			finish: func(ctx context.Context) error {
				return errors.New("soffice exited with status 1")
			},
			code: CodeConversionFailed,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			workDirs := make(chan string, 1)
			// soffice と同じく、渡されたディレクトリに <入力名>.docx を書く
			engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
				dir := filepath.Dir(outputHint)
				workDirs <- dir
				base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
				if err := os.WriteFile(filepath.Join(dir, base+".docx"), []byte("partial"), 0o640); err != nil {
					return "", err
				}
				return "", tc.finish(ctx)
			})
			env := newTestEnv(t, engine, func(o *Options) { o.ConversionTimeout = 100 * time.Millisecond })

			record, err := env.manager.Submit(context.Background(), samplePDF(name), "partial.pdf")
			require.NoError(t, err)
			done := env.waitTerminal(t, record.JobID)
			require.Equal(t, StateFailed, done.State)
			assert.Equal(t, tc.code, done.Error.Code)

			dir := <-workDirs
			assert.NotEqual(t, env.store.OutputDir(), dir)
			assert.Eventually(t, func() bool {
				_, err := os.Stat(dir)
				return os.IsNotExist(err)
			}, waitTimeout, 10*time.Millisecond)
			assert.Empty(t, dirEntries(t, env.store.OutputDir()))
			assert.Empty(t, dirEntries(t, env.store.UploadDir()))
		})
	}
}

func TestEngineOutputElsewhereIsAdopted(t *testing.T) {
	elsewhere := t.TempDir()
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		path := filepath.Join(elsewhere, "produced.docx")
		return path, os.WriteFile(path, []byte("moved"), 0o640)
	})
	env := newTestEnv(t, engine, nil)

	record, err := env.manager.Submit(context.Background(), samplePDF("x"), "x.pdf")
	require.NoError(t, err)
	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateCompleted, done.State)

	assert.Empty(t, dirEntries(t, elsewhere))
	assert.Len(t, dirEntries(t, env.store.OutputDir()), 1)
}

func TestMaxPagesExceeded(t *testing.T) {
	var calls atomic.Int32
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		calls.Add(1)
		return outputHint, os.WriteFile(outputHint, []byte("docx"), 0o640)
	})
	env := newTestEnv(t, engine, func(o *Options) { o.MaxPages = 2 })

	record, err := env.manager.Submit(context.Background(), buildPDF(3), "three.pdf")
	require.NoError(t, err)

	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateFailed, done.State)
	assert.Equal(t, CodeLimitExceeded, done.Error.Code)
	assert.Equal(t, 3, done.Pages)
	assert.Zero(t, calls.Load())
}

func TestPageCountRecorded(t *testing.T) {
	env := newTestEnv(t, copyEngine(), nil)

	record, err := env.manager.Submit(context.Background(), buildPDF(2), "two.pdf")
	require.NoError(t, err)
	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 2, done.Pages)
}

func TestDeleteJob(t *testing.T) {
	release := make(chan struct{})
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		if bytes.Contains(mustRead(inputPath), []byte("block")) {
			<-release
		}
		return outputHint, os.WriteFile(outputHint, []byte("docx"), 0o640)
	})
	env := newTestEnv(t, engine, nil)

	finished, err := env.manager.Submit(context.Background(), samplePDF("quick"), "quick.pdf")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, env.waitTerminal(t, finished.JobID).State)

	blocked, err := env.manager.Submit(context.Background(), samplePDF("block"), "block.pdf")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		record, err := env.manager.Status(blocked.JobID)
		return err == nil && record.State == StateProcessing
	}, waitTimeout, 5*time.Millisecond)

	err = env.manager.Delete(context.Background(), blocked.JobID)
	assert.True(t, IsNotReady(err))
	close(release)

	require.NoError(t, env.manager.Delete(context.Background(), finished.JobID))
	_, err = env.manager.Status(finished.JobID)
	assert.True(t, IsNotFound(err))

	require.Equal(t, StateCompleted, env.waitTerminal(t, blocked.JobID).State)
	assert.Len(t, dirEntries(t, env.store.OutputDir()), 1)
}

func mustRead(path string) []byte {
	data, _ := os.ReadFile(path)
	return data
}

func TestRetentionExpiresFinishedJobs(t *testing.T) {
	env := newTestEnv(t, copyEngine(), func(o *Options) { o.Retention = 50 * time.Millisecond })

	record, err := env.manager.Submit(context.Background(), samplePDF("expire"), "expire.pdf")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := env.manager.Status(record.JobID)
		return IsNotFound(err)
	}, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, dirEntries(t, env.store.OutputDir()))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	env := newTestEnv(t, copyEngine(), nil)
	events, cancel := env.manager.Subscribe()
	defer cancel()

	record, err := env.manager.Submit(context.Background(), samplePDF("events"), "events.pdf")
	require.NoError(t, err)

	var states []State
	timeout := time.After(waitTimeout)
	for len(states) == 0 || !states[len(states)-1].Terminal() {
		select {
		case event := <-events:
			if event.Record.JobID == record.JobID && event.Type == EventJobUpdate {
				states = append(states, event.Record.State)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", states)
		}
	}
	assert.Equal(t, []State{StatePending, StateProcessing, StateCompleted}, states)
}

func TestShutdownRejectsSubmissions(t *testing.T) {
	env := newTestEnv(t, copyEngine(), nil)
	require.NoError(t, env.manager.Shutdown(context.Background()))

	_, err := env.manager.Submit(context.Background(), samplePDF("late"), "late.pdf")
	require.Error(t, err)
	assert.Equal(t, CodeUnavailable, ErrorCode(err))
}

func TestShutdownFailsRunningJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := newTestEnv(t, engine, func(o *Options) { o.ConversionTimeout = time.Minute })

	record, err := env.manager.Submit(context.Background(), samplePDF("stuck"), "stuck.pdf")
	require.NoError(t, err)
	<-started

	require.NoError(t, env.manager.Shutdown(context.Background()))
	done, err := env.manager.Status(record.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, CodeUnavailable, done.Error.Code)
}

func TestShutdownRemovesJobFiles(t *testing.T) {
	started := make(chan struct{}, 1)
	engine := convert.Func(func(ctx context.Context, inputPath, outputHint string) (string, error) {
		if bytes.Contains(mustRead(inputPath), []byte("block")) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		}
		return outputHint, os.WriteFile(outputHint, []byte("docx"), 0o640)
	})
	env := newTestEnvWith(t, engine, NewLocalDispatcher(1), func(o *Options) { o.ConversionTimeout = time.Minute })

	finished, err := env.manager.Submit(context.Background(), samplePDF("done"), "done.pdf")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, env.waitTerminal(t, finished.JobID).State)

	running, err := env.manager.Submit(context.Background(), samplePDF("block"), "block.pdf")
	require.NoError(t, err)
	<-started
	queued, err := env.manager.Submit(context.Background(), samplePDF("queued"), "queued.pdf")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, env.manager.Shutdown(ctx))

	for _, id := range []string{running.JobID, queued.JobID} {
		record, err := env.manager.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, record.State)
		assert.Equal(t, CodeUnavailable, record.Error.Code)
	}

	// 終了済みジョブの記録は残るが、成果物は削除されている
	record, err := env.manager.Status(finished.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, record.State)
	_, _, err = env.manager.OpenResult(finished.JobID)
	assert.Equal(t, CodeResultNotFound, ErrorCode(err))

	assert.Empty(t, dirEntries(t, env.store.UploadDir()))
	assert.Empty(t, dirEntries(t, env.store.OutputDir()))
}

// heldDispatcher は投入を受け付けるだけで、停止までジョブを実行しません。
type heldDispatcher struct {
	run RunFunc
}

func (d *heldDispatcher) Start(run RunFunc) error {
	d.run = run
	return nil
}

func (d *heldDispatcher) Dispatch(ctx context.Context, jobID string) error { return nil }

func (d *heldDispatcher) Shutdown(ctx context.Context) error { return nil }

func TestShutdownFailsJobsLeftInQueue(t *testing.T) {
	dispatcher := &heldDispatcher{}
	env := newTestEnvWith(t, copyEngine(), dispatcher, nil)

	record, err := env.manager.Submit(context.Background(), samplePDF("held"), "held.pdf")
	require.NoError(t, err)
	require.NoError(t, env.manager.Shutdown(context.Background()))

	done, err := env.manager.Status(record.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, CodeUnavailable, done.Error.Code)
	assert.Empty(t, dirEntries(t, env.store.UploadDir()))

	// 停止後に遅れて届いたタスクは何もしない
	dispatcher.run(context.Background(), record.JobID)
	again, err := env.manager.Status(record.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, again.State)
	assert.Empty(t, dirEntries(t, env.store.OutputDir()))
}

func TestResultBaseURL(t *testing.T) {
	env := newTestEnv(t, copyEngine(), func(o *Options) { o.ResultBaseURL = "https://files.example.com/dl/" })

	record, err := env.manager.Submit(context.Background(), samplePDF("url"), "url.pdf")
	require.NoError(t, err)
	done := env.waitTerminal(t, record.JobID)
	assert.Equal(t, "https://files.example.com/dl/"+record.JobID, done.ResultURL)
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func (f *fakeObjects) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://bucket.example.com/" + key + "?sig=1", nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func TestObjectStoreMirror(t *testing.T) {
	objects := &fakeObjects{}
	env := newTestEnv(t, copyEngine(), func(o *Options) { o.Objects = objects })
	input := samplePDF("mirror")

	record, err := env.manager.Submit(context.Background(), input, "mirror.pdf")
	require.NoError(t, err)
	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateCompleted, done.State)

	key := storage.ResultKey(record.JobID, "mirror.docx")
	assert.Equal(t, "https://bucket.example.com/"+key+"?sig=1", done.ResultURL)
	assert.Equal(t, expectedOutput(input), objects.objects[key])

	require.NoError(t, env.manager.Delete(context.Background(), record.JobID))
	assert.Zero(t, objects.count())
}

func TestObjectStoreFailureFallsBack(t *testing.T) {
	objects := &fakeObjects{uploadErr: errors.New("bucket unavailable")}
	env := newTestEnv(t, copyEngine(), func(o *Options) { o.Objects = objects })

	record, err := env.manager.Submit(context.Background(), samplePDF("fallback"), "fallback.pdf")
	require.NoError(t, err)
	done := env.waitTerminal(t, record.JobID)
	require.Equal(t, StateCompleted, done.State)
	assert.Equal(t, "/api/download/"+record.JobID, done.ResultURL)
}

func TestNewManagerValidation(t *testing.T) {
	store, err := storage.NewLocal(filepath.Join(t.TempDir(), "in"), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	dispatcher := NewLocalDispatcher(1)

	_, err = NewManager(Options{ConversionTimeout: time.Second}, nil, copyEngine(), dispatcher, nil)
	assert.Error(t, err)
	_, err = NewManager(Options{ConversionTimeout: time.Second}, store, nil, dispatcher, nil)
	assert.Error(t, err)
	_, err = NewManager(Options{}, store, copyEngine(), dispatcher, nil)
	assert.Error(t, err)
	_, err = NewManager(Options{ConversionTimeout: time.Second, Retention: -time.Second}, store, copyEngine(), dispatcher, nil)
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1KB", formatBytes(1024))
	assert.Equal(t, "100MB", formatBytes(100*1024*1024))
}
