package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"schoolbus/backend/jobs"
	"schoolbus/backend/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsMessage is the envelope for both directions of the socket. Client
// frames carry an action; server frames carry a type.
type wsMessage struct {
	Action    string          `json:"action,omitempty"`
	Type      string          `json:"type,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Progress  int             `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Stats     json.RawMessage `json:"stats,omitempty"`
}

// handleWS streams a job's progress over a websocket. The client may send
// {"action":"ping"} and {"action":"get_status"}; the server answers with
// pong and status frames interleaved into the progress stream. The socket
// is closed after the terminal frame.
func (s *Server) handleWS(c *gin.Context) {
	jobID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe(jobID)
	defer sub.Cancel()

	outbound := make(chan wsMessage, 16)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)

	send := func(msg wsMessage) {
		// never park the read goroutine once the write loop is gone
		select {
		case outbound <- msg:
		case <-stop:
		}
	}

	// read loop: client control frames
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			switch msg.Action {
			case "ping":
				send(wsMessage{Type: "pong", JobID: jobID,
					Timestamp: time.Now().UTC().Format(time.RFC3339)})
			case "get_status":
				reply := wsMessage{Type: "status", JobID: jobID,
					Timestamp: time.Now().UTC().Format(time.RFC3339)}
				if rec, err := s.mgr.Get(jobID); err == nil {
					reply.Status = string(rec.State)
					reply.Phase = rec.Phase
					reply.Progress = rec.Progress
					reply.ErrorCode = rec.ErrorCode
				} else {
					reply.ErrorCode = "JOB_NOT_FOUND"
				}
				send(reply)
			}
		}
	}()

	write := func(msg wsMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg) == nil
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				// broker dropped us (slow consumer) or shut down
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			frame := eventFrame(ev)
			if frame.Type == "completed" {
				s.attachResult(jobID, &frame)
			}
			if !write(frame) {
				return
			}
			if ev.Terminal {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}

// attachResult embeds the stored schedule and its stats into a completed
// frame.
func (s *Server) attachResult(jobID string, frame *wsMessage) {
	rec, err := s.mgr.Get(jobID)
	if err != nil || len(rec.Result) == 0 {
		return
	}
	frame.Result = rec.Result
	var peek struct {
		Schedule struct {
			Stats json.RawMessage `json:"stats"`
		} `json:"schedule"`
	}
	if json.Unmarshal(rec.Result, &peek) == nil {
		frame.Stats = peek.Schedule.Stats
	}
}

// eventFrame maps a broker event onto the wire envelope: progress frames
// while running, completed or error at the end.
func eventFrame(ev progress.Event) wsMessage {
	msg := wsMessage{
		JobID:     ev.JobID,
		Phase:     ev.Phase,
		Progress:  ev.Progress,
		Message:   ev.Message,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	}
	switch {
	case ev.IsError():
		msg.Type = "error"
		msg.ErrorCode = ev.ErrorCode
		if ev.ErrorCode == jobs.CodeCancelled {
			msg.Type = "cancelled"
		}
	case ev.Terminal:
		msg.Type = "completed"
	default:
		msg.Type = "progress"
	}
	return msg
}
