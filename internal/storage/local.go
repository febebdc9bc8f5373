// Package storage は変換ジョブが参照するファイルの保管を担当します。
//
// 受信したPDFは uploads ディレクトリ、変換結果は outputs ディレクトリに置かれます。
// ファイル名はジョブIDから決まるため、同時アップロード同士が衝突することはありません。
package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	defaultOutputName = "result.docx"
	workDirPrefix     = "paper-convert-"
)

var (
	// ErrNotFound は指定されたファイルが存在しない場合に返されます。
	ErrNotFound = errors.New("storage: file not found")
	// ErrEmptyOutput は変換結果が空ファイルだった場合に返されます。
	ErrEmptyOutput = errors.New("storage: output file is empty")
)

// Local はローカルファイルシステム上の入出力ディレクトリを管理します。
type Local struct {
	uploadDir string
	outputDir string
	workRoot  string
}

// NewLocal は入出力ディレクトリを作成し Local を返します。
func NewLocal(uploadDir, outputDir string) (*Local, error) {
	up, err := filepath.Abs(uploadDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve upload dir")
	}
	out, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve output dir")
	}
	for _, dir := range []string{up, out} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	return &Local{uploadDir: up, outputDir: out, workRoot: os.TempDir()}, nil
}

// UploadDir は入力ディレクトリの絶対パスを返します。
func (l *Local) UploadDir() string { return l.uploadDir }

// OutputDir は出力ディレクトリの絶対パスを返します。
func (l *Local) OutputDir() string { return l.outputDir }

// StoreInput はアップロード内容を <uploadDir>/<jobID><拡張子> に書き込みます。
// 書き込みに失敗した場合、途中まで書かれたファイルは削除されます。
func (l *Local) StoreInput(ctx context.Context, jobID, originalName string, data []byte) (_ string, err error) {
	if strings.TrimSpace(jobID) == "" {
		return "", errors.New("jobID is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	path := filepath.Join(l.uploadDir, jobID+ext)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create input file for job %s", jobID)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err := file.Write(data); err != nil {
		file.Close()
		return "", errors.Wrapf(err, "failed to write input file for job %s", jobID)
	}
	if err := file.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close input file for job %s", jobID)
	}
	return path, nil
}

// ReserveOutput はジョブ専用の出力パスを計算します（ファイルは作成しません）。
func (l *Local) ReserveOutput(jobID, desiredName string) string {
	return filepath.Join(l.outputDir, jobID+"-"+sanitizeName(desiredName))
}

// CreateWorkDir は変換エンジンが書き込むジョブ専用の作業ディレクトリを作成します。
// 変換が失敗してもディレクトリごと RemoveWorkDir で消せるよう、出力ディレクトリとは分けています。
func (l *Local) CreateWorkDir(jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", errors.New("jobID is required")
	}
	dir, err := os.MkdirTemp(l.workRoot, workDirPrefix+sanitizeName(jobID)+"-")
	if err != nil {
		return "", errors.Wrapf(err, "failed to create work dir for job %s", jobID)
	}
	return dir, nil
}

// RemoveWorkDir は CreateWorkDir で作成したディレクトリを中身ごと削除します。
func (l *Local) RemoveWorkDir(dir string) error {
	if dir == "" {
		return nil
	}
	rel, err := filepath.Rel(l.workRoot, filepath.Clean(dir))
	if err != nil || strings.Contains(rel, string(filepath.Separator)) || rel == ".." || !strings.HasPrefix(rel, workDirPrefix) {
		return errors.Newf("refusing to remove %s: not a work dir", dir)
	}
	return errors.Wrapf(os.RemoveAll(dir), "failed to remove work dir %s", filepath.Base(dir))
}

// VerifyOutput は出力ファイルが存在し、空でないことを確認してサイズを返します。
func (l *Local) VerifyOutput(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errors.Wrapf(ErrNotFound, "output %s", filepath.Base(path))
		}
		return 0, errors.Wrap(err, "failed to stat output")
	}
	if info.IsDir() {
		return 0, errors.Newf("output %s is a directory", filepath.Base(path))
	}
	if info.Size() == 0 {
		return 0, errors.Wrapf(ErrEmptyOutput, "output %s", filepath.Base(path))
	}
	return info.Size(), nil
}

// Adopt は変換エンジンが別の場所に生成したファイルを予約済みパスへ移動します。
func (l *Local) Adopt(produced, reserved string) (string, error) {
	if filepath.Clean(produced) == filepath.Clean(reserved) {
		return reserved, nil
	}
	if _, err := os.Stat(produced); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errors.Wrapf(ErrNotFound, "produced file %s", filepath.Base(produced))
		}
		return "", errors.Wrap(err, "failed to stat produced file")
	}
	if err := os.Rename(produced, reserved); err == nil {
		return reserved, nil
	}

	// 別デバイス間では rename できないためコピーで代替する
	if err := copyFile(produced, reserved); err != nil {
		_ = os.Remove(reserved)
		return "", err
	}
	_ = os.Remove(produced)
	return reserved, nil
}

// OpenOutput はダウンロード用に出力ファイルを開きます。
// 出力ディレクトリ外のパスや存在しないファイルは ErrNotFound になります。
func (l *Local) OpenOutput(path string) (*os.File, int64, error) {
	if !l.withinOutputDir(path) {
		return nil, 0, errors.Wrap(ErrNotFound, "path outside output dir")
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errors.Wrapf(ErrNotFound, "output %s", filepath.Base(path))
		}
		return nil, 0, errors.Wrap(err, "failed to open output")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, errors.Wrap(err, "failed to stat output")
	}
	return file, info.Size(), nil
}

// Remove はファイルを削除します。存在しない場合はエラーにしません。
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove %s", filepath.Base(path))
	}
	return nil
}

func (l *Local) withinOutputDir(path string) bool {
	rel, err := filepath.Rel(l.outputDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return defaultOutputName
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "failed to open produced file")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return errors.Wrap(err, "failed to create output file")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "failed to copy produced file")
	}
	return errors.Wrap(out.Close(), "failed to close output file")
}
