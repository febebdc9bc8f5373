package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"

	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/jobs"
	"github.com/yourusername/paper-convert/internal/logging"
	"github.com/yourusername/paper-convert/internal/pdf"
)

const pollInterval = 200 * time.Millisecond

// runConvert はサーバーと同じジョブ管理を使って1件だけ変換します。
func runConvert(ctx context.Context, inputPath, outputPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	// CLI では Redis を使わず、結果は書き出した後に削除する
	cfg.DispatchMode = config.DispatchLocal
	cfg.JobRetentionMinutes = 0
	cfg.S3 = config.S3Config{}

	logger, err := logging.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer func() { _ = logger.Sync() }()

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", inputPath)
	}
	if outputPath == "" {
		outputPath = filepath.Join(filepath.Dir(inputPath), pdf.DownloadName(filepath.Base(inputPath)))
	}

	app, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	record, err := app.manager.Submit(ctx, data, filepath.Base(inputPath))
	if err != nil {
		return describe(err)
	}
	defer func() { _ = app.manager.Delete(context.Background(), record.JobID) }()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Converting %s...", filepath.Base(inputPath)))
	started := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			spinner.Fail("Conversion interrupted")
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := app.manager.Status(record.JobID)
		if err != nil {
			spinner.Fail("Failed to read job status")
			return describe(err)
		}
		switch status.State {
		case jobs.StateCompleted:
			if err := writeResult(app.manager, record.JobID, outputPath); err != nil {
				spinner.Fail("Failed to write result")
				return err
			}
			spinner.Success(fmt.Sprintf("Converted in %.1fs", time.Since(started).Seconds()))
			pterm.Info.Printf("Output: %s\n", outputPath)
			return nil
		case jobs.StateFailed:
			spinner.Fail(status.Message)
			return errors.Newf("conversion failed (%s)", status.Error.Code)
		default:
			spinner.UpdateText(fmt.Sprintf("Converting %s... (%s, %.0fs elapsed)", filepath.Base(inputPath), status.State, time.Since(started).Seconds()))
		}
	}
}

func writeResult(manager *jobs.Manager, jobID, outputPath string) (err error) {
	_, body, err := manager.OpenResult(jobID)
	if err != nil {
		return describe(err)
	}
	defer body.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", outputPath)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %s", outputPath)
		}
	}()
	if _, err := io.Copy(out, body); err != nil {
		return errors.Wrapf(err, "failed to write %s", outputPath)
	}
	return nil
}

// describe は利用者向けメッセージを持つエラーをそのまま表示できる形にします。
func describe(err error) error {
	var apiErr *jobs.Error
	if errors.As(err, &apiErr) {
		return errors.Newf("%s (%s)", apiErr.Message, apiErr.Code)
	}
	return err
}
