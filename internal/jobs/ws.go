package jobs

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024
)

// Feed はジョブ一覧と変更通知を提供します。
type Feed interface {
	List() []Record
	Subscribe() (<-chan Event, func())
}

// WebSocketHandler は GET /api/ws のハンドラーを返します。
// 接続直後に initial_jobs で全ジョブを送り、以降は job_update / job_removed を送ります。
func WebSocketHandler(feed Feed, logger *zap.SugaredLogger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// オリジン制限は CORS 設定に任せる
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Debugw("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// 取りこぼしを防ぐため一覧より先に購読する
		events, unsubscribe := feed.Subscribe()
		defer unsubscribe()

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(gin.H{"type": "initial_jobs", "jobs": feed.List()}); err != nil {
			return
		}

		closed := make(chan struct{})
		go readUntilClosed(conn, closed)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(event); err != nil {
					logger.Debugw("websocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

// readUntilClosed はクライアントからの読み込みを続け、切断されたら closed を閉じます。
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
