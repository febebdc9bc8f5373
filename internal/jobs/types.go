package jobs

import (
	"fmt"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// 状態ごとに許可される遷移先。終了状態からの遷移は存在しない。
// 起動前に停止したジョブのため pending → failed も許可する。
var allowedTransitions = map[State][]State{
	StatePending:    {StateProcessing, StateFailed},
	StateProcessing: {StateCompleted, StateFailed},
}

// Terminal は終了状態（completed / failed）かどうかを返します。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid は既知の状態かどうかを返します。
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

func (s State) canAdvance(to State) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ユーザーに表示する状態メッセージ
const (
	msgPending    = "変換待ちです。/api/status/{id} で状態を確認できます。"
	msgProcessing = "PDFをWordに変換しています..."
	msgCompleted  = "変換が完了しました。"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は変換ジョブ1件の現在状態を表します。
// Manager の外に渡るのは常にコピー（スナップショット）です。
type Record struct {
	JobID        string     `json:"jobId"`
	State        State      `json:"status"`
	Message      string     `json:"message,omitempty"`
	OriginalName string     `json:"originalName"`
	DownloadName string     `json:"filename"`
	InputPath    string     `json:"-"`
	OutputPath   string     `json:"-"`
	OutputSize   int64      `json:"outputSize,omitempty"`
	ResultURL    string     `json:"downloadUrl,omitempty"`
	ObjectKey    string     `json:"-"`
	Pages        int        `json:"pages,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Error != nil {
		info := *r.Error
		cp.Error = &info
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// advance は状態を遷移させます。許可されていない遷移はプログラムの誤りなので panic します。
func (r *Record) advance(to State, now time.Time) {
	if !r.State.canAdvance(to) {
		panic(fmt.Sprintf("illegal job state transition %s -> %s (job %s)", r.State, to, r.JobID))
	}
	r.State = to
	r.UpdatedAt = now
	switch to {
	case StateProcessing:
		r.StartedAt = &now
	case StateCompleted, StateFailed:
		r.CompletedAt = &now
	}
}

func (r *Record) start(now time.Time) {
	r.advance(StateProcessing, now)
	r.Message = msgProcessing
}

func (r *Record) complete(now time.Time, outputPath string, size int64, resultURL, objectKey string) {
	r.advance(StateCompleted, now)
	r.Message = msgCompleted
	r.OutputPath = outputPath
	r.OutputSize = size
	r.ResultURL = resultURL
	r.ObjectKey = objectKey
	r.Error = nil
}

func (r *Record) fail(now time.Time, info ErrorInfo) {
	r.advance(StateFailed, now)
	r.Message = info.Message
	r.OutputPath = ""
	r.OutputSize = 0
	r.ResultURL = ""
	r.Error = &info
}

// Result はダウンロード対象の成果物情報です。
type Result struct {
	JobID       string
	Filename    string
	Size        int64
	ContentType string
}

// EventType はジョブ更新通知の種別です。
type EventType string

const (
	EventJobUpdate  EventType = "job_update"
	EventJobRemoved EventType = "job_removed"
)

// Event は購読者に配信されるジョブの変化です。
type Event struct {
	Type   EventType `json:"type"`
	Record Record    `json:"job"`
}
