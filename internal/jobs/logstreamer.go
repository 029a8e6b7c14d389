package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 256
	writeWait        = 10 * time.Second
)

// subscriber owns one websocket. Only its writer goroutine writes data
// frames, so a slow client stalls nobody but itself.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// LogStreamer fans live build output out to websocket subscribers
type LogStreamer struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
}

// NewLogStreamer creates a new LogStreamer
func NewLogStreamer() *LogStreamer {
	return &LogStreamer{
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe adds a new subscriber to a job's log stream
func (ls *LogStreamer) Subscribe(jobID string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberBuffer)}
	ls.mu.Lock()
	ls.subscribers[jobID] = append(ls.subscribers[jobID], sub)
	ls.mu.Unlock()
	go ls.write(jobID, sub)
}

// Unsubscribe removes a subscriber from a job's log stream
func (ls *LogStreamer) Unsubscribe(jobID string, conn *websocket.Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, sub := range ls.subscribers[jobID] {
		if sub.conn == conn {
			ls.remove(jobID, sub)
			return
		}
	}
}

// Broadcast queues a chunk of output for every subscriber of a job. It
// never blocks; a subscriber whose queue is full is dropped.
func (ls *LogStreamer) Broadcast(jobID string, message []byte) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, sub := range append([]*subscriber(nil), ls.subscribers[jobID]...) {
		select {
		case sub.send <- message:
		default:
			slog.Warn("log subscriber too slow, dropping", "job_id", jobID)
			ls.remove(jobID, sub)
		}
	}
}

// Close ends the stream of a job. Queued output is still delivered before
// the close frame.
func (ls *LogStreamer) Close(jobID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, sub := range append([]*subscriber(nil), ls.subscribers[jobID]...) {
		ls.remove(jobID, sub)
	}
}

func (ls *LogStreamer) write(jobID string, sub *subscriber) {
	defer sub.conn.Close()
	for msg := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ls.mu.Lock()
			ls.remove(jobID, sub)
			ls.mu.Unlock()
			return
		}
	}
	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build finished"), time.Now().Add(time.Second))
}

// remove detaches sub and ends its writer. It is a no-op for a subscriber
// that is already gone. Callers hold ls.mu.
func (ls *LogStreamer) remove(jobID string, sub *subscriber) {
	subscribers := ls.subscribers[jobID]
	for i, s := range subscribers {
		if s == sub {
			ls.subscribers[jobID] = append(subscribers[:i:i], subscribers[i+1:]...)
			close(sub.send)
			break
		}
	}
	if len(ls.subscribers[jobID]) == 0 {
		delete(ls.subscribers, jobID)
	}
}

type logStreamWriter struct {
	streamer *LogStreamer
	jobID    string
}

func (l *logStreamWriter) Write(p []byte) (n int, err error) {
	l.streamer.Broadcast(l.jobID, append([]byte(nil), p...))
	return len(p), nil
}
