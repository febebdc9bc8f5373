// Package pdf はアップロードされたPDFの検証と解析を提供します。
package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// MIMEType はPDFのメディアタイプです。
const MIMEType = "application/pdf"

// Extension は受け付ける入力ファイルの拡張子です。
const Extension = ".pdf"

func init() {
	// ユーザーの設定ディレクトリに pdfcpu の設定ファイルを作らせない
	pdfapi.DisableConfigDir()
}

// SourceFileMeta は入力PDFのメタデータを表します。
type SourceFileMeta struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// HasPDFExtension はファイル名の拡張子が .pdf かどうかを判定します（大文字小文字は区別しません）。
func HasPDFExtension(filename string) bool {
	return strings.EqualFold(filepath.Ext(strings.TrimSpace(filename)), Extension)
}

// DetectMIME はデータ先頭のシグネチャからメディアタイプを判定します。
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsPDF はデータのシグネチャがPDFかどうかを判定します。
func IsPDF(data []byte) bool {
	return mimetype.Detect(data).Is(MIMEType)
}

// Inspect は保存済みPDFのサイズとページ数を取得します。
func Inspect(path string) (_ *SourceFileMeta, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat pdf")
	}

	// pdfcpu は壊れたファイルで panic することがあるため回収する
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("pdfcpu panicked while reading %s: %v", filepath.Base(path), r)
		}
	}()

	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read page count")
	}

	return &SourceFileMeta{
		Name:  filepath.Base(path),
		Size:  info.Size(),
		Pages: pages,
	}, nil
}

// DownloadName は元のファイル名から変換結果のダウンロード名（.docx）を作ります。
func DownloadName(originalName string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(originalName), "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "document"
	}
	return fmt.Sprintf("%s.docx", stem)
}
