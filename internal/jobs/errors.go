package jobs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// API / ジョブ記録に載せるエラーコード
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeNotFound          = "JOB_NOT_FOUND"
	CodeResultNotFound    = "JOB_RESULT_NOT_FOUND"
	CodeNotReady          = "JOB_NOT_READY"
	CodeConversionFailed  = "CONVERSION_FAILED"
	CodeConversionTimeout = "CONVERSION_TIMEOUT"
	CodeIOFailure         = "IO_FAILURE"
	CodeUnavailable       = "SERVICE_UNAVAILABLE"
)

const (
	msgConversionFailed = "PDFの変換に失敗しました。ファイルが破損していないか確認してください。"
	msgIOFailure        = "ファイルの保存に失敗しました。時間をおいて再度お試しください。"
	msgShuttingDown     = "サーバーが停止処理中のため変換を開始できませんでした。"
)

// Error は利用者に返すエラー情報です。
// Message は利用者向けの文言で、内部のパスや外部コマンドの出力は含めません。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrorCode は err に含まれる *Error のコードを返します。該当しない場合は空文字です。
func ErrorCode(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsInvalidInput は入力不正（上限超過を含む）かどうかを判定します。
func IsInvalidInput(err error) bool {
	code := ErrorCode(err)
	return code == CodeInvalidInput || code == CodeLimitExceeded
}

// IsNotFound はジョブまたは成果物が見つからないかどうかを判定します。
func IsNotFound(err error) bool {
	code := ErrorCode(err)
	return code == CodeNotFound || code == CodeResultNotFound
}

// IsNotReady はジョブが要求された操作をまだ受け付けられない状態かどうかを判定します。
func IsNotReady(err error) bool {
	return ErrorCode(err) == CodeNotReady
}

// sanitize はジョブ記録に保存する利用者向けのエラー情報を作ります。
func sanitize(err error) ErrorInfo {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
	}
	return ErrorInfo{Code: CodeConversionFailed, Message: msgConversionFailed}
}
