package jobs

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

// multipart のヘッダー等に許容する余裕
const multipartOverhead = 1 << 20

// Service は HTTP ハンドラーが利用するジョブ操作です。
type Service interface {
	Submit(ctx context.Context, data []byte, filename string) (*Record, error)
	Status(jobID string) (*Record, error)
	OpenResult(jobID string) (*Result, io.ReadCloser, error)
	List() []Record
	Delete(ctx context.Context, jobID string) error
}

// SubmitHandler は POST /api/convert のハンドラーを返します。
func SubmitHandler(svc Service, maxFileSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFileSize+multipartOverhead)
		}

		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondWithError(c, newError(CodeLimitExceeded, "ファイルサイズが上限を超えています。", err))
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		header, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		data, err := readUpload(header, maxFileSize)
		if err != nil {
			respondWithError(c, err)
			return
		}

		record, err := svc.Submit(c.Request.Context(), data, header.Filename)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":   record.JobID,
			"status":  record.State,
			"message": record.Message,
		})
	}
}

// StatusHandler は GET /api/status/:id のハンドラーを返します。
func StatusHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		record, err := svc.Status(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, statusPayload(record))
	}
}

// DownloadHandler は GET /api/download/:id のハンドラーを返します。
func DownloadHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		result, file, err := svc.OpenResult(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(result.Filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFallback(result.Filename), encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", result.JobID)
		c.DataFromReader(http.StatusOK, result.Size, result.ContentType, file, nil)
	}
}

// ListHandler は GET /api/conversions のハンドラーを返します。
func ListHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		records := svc.List()
		conversions := make([]gin.H, 0, len(records))
		for i := range records {
			conversions = append(conversions, statusPayload(&records[i]))
		}
		c.JSON(http.StatusOK, gin.H{
			"conversions": conversions,
			"total":       len(conversions),
		})
	}
}

// DeleteHandler は DELETE /api/conversions/:id のハンドラーを返します。
func DeleteHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":   jobID,
			"message": "ジョブを削除しました。",
		})
	}
}

func statusPayload(record *Record) gin.H {
	payload := gin.H{
		"jobId":        record.JobID,
		"status":       record.State,
		"message":      record.Message,
		"originalName": record.OriginalName,
		"createdAt":    record.CreatedAt,
		"updatedAt":    record.UpdatedAt,
	}
	if record.Pages > 0 {
		payload["pages"] = record.Pages
	}
	if record.State == StateCompleted {
		payload["filename"] = record.DownloadName
		payload["outputSize"] = record.OutputSize
		payload["downloadUrl"] = record.ResultURL
	}
	if record.CompletedAt != nil {
		payload["completedAt"] = record.CompletedAt
	}
	if record.Error != nil {
		payload["error"] = record.Error
	}
	return payload
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func readUpload(header *multipart.FileHeader, maxFileSize int64) ([]byte, error) {
	if maxFileSize > 0 && header.Size > maxFileSize {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%s）を超えています。", formatBytes(maxFileSize)), nil)
	}
	file, err := header.Open()
	if err != nil {
		return nil, newError(CodeIOFailure, "アップロードされたファイルを読み込めませんでした。", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, newError(CodeIOFailure, "アップロードされたファイルを読み込めませんでした。", err)
	}
	return data, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound, CodeResultNotFound:
		return http.StatusNotFound
	case CodeNotReady:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("PDFファイルを選択してください。")
	}
	for _, field := range []string{"file", "file[]", "pdf"} {
		if files := form.File[field]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("PDFファイルを選択してください。")
}

// asciiFallback は filename= に載せる ASCII のみのファイル名を作ります。
func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '"' || r == '\\':
			b.WriteRune('_')
		case r < 0x20 || r > 0x7e:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
