package convert

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	targetFormat = "docx"
	waitDelay    = 5 * time.Second
)

// CommandEngine は LibreOffice (soffice) をヘッドレスで起動して変換します。
type CommandEngine struct {
	path string
}

// NewCommandEngine は soffice 実行ファイルのパスを指定して CommandEngine を作成します。
func NewCommandEngine(path string) *CommandEngine {
	if strings.TrimSpace(path) == "" {
		path = "soffice"
	}
	return &CommandEngine{path: path}
}

// Convert は inputPath を docx に変換し、outputHint と同じディレクトリに書き出します。
// soffice は <入力ファイル名>.docx という名前で出力するため、その実パスを返します。
func (e *CommandEngine) Convert(ctx context.Context, inputPath, outputHint string) (string, error) {
	outDir := filepath.Dir(outputHint)

	// 同時実行される soffice がユーザープロファイルを取り合わないよう、変換ごとに分ける
	profileDir, err := os.MkdirTemp("", "soffice-profile-")
	if err != nil {
		return "", errors.Wrap(err, "failed to create soffice profile dir")
	}
	defer os.RemoveAll(profileDir)

	cmd := exec.CommandContext(ctx, e.path, sofficeArgs(profileDir, outDir, inputPath)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", errors.Wrap(ctxErr, "soffice interrupted")
		}
		return "", errors.Wrapf(err, "soffice failed: %s", strings.TrimSpace(output.String()))
	}

	produced := filepath.Join(outDir, producedName(inputPath))
	if _, err := os.Stat(produced); err != nil {
		return "", errors.Wrapf(err, "soffice produced no output: %s", strings.TrimSpace(output.String()))
	}
	return produced, nil
}

func sofficeArgs(profileDir, outDir, inputPath string) []string {
	return []string{
		"--headless",
		"--norestore",
		"--nolockcheck",
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--convert-to", targetFormat,
		"--outdir", outDir,
		inputPath,
	}
}

func producedName(inputPath string) string {
	base := filepath.Base(inputPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "." + targetFormat
}
