package chat

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/history"
)

const timeLayout = "2006-01-02 15:04:05"

// LineRenderer prints messages to out and notices to status, one line each.
type LineRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	status io.Writer
	loc    *time.Location
}

// NewLineRenderer creates a LineRenderer printing times in loc (nil is the
// local zone).
func NewLineRenderer(out, status io.Writer, loc *time.Location) *LineRenderer {
	if loc == nil {
		loc = time.Local
	}
	return &LineRenderer{out: out, status: status, loc: loc}
}

// RenderMessage prints "<time>: <alias> <direction> <text>", with "<" for
// outgoing and ">" for incoming messages.
func (r *LineRenderer) RenderMessage(m history.Message) error {
	dir := ">"
	if m.Direction == history.Outgoing {
		dir = "<"
	}
	line := fmt.Sprintf("%s: %s %s %s", m.Timestamp.In(r.loc).Format(timeLayout), m.SenderAlias, dir, m.Text)
	if n := len(m.Attachments); n > 0 {
		line += fmt.Sprintf(" [%d attachments]", n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, line)
	return err
}

func (r *LineRenderer) RenderNotice(n history.Notice) {
	switch n.Kind {
	case history.NoticeHistory:
		r.Statusf("<Showing history>")
	case history.NoticeNoHistory:
		r.Statusf("<No history>")
	case history.NoticeDeleted:
		r.Statusf("<%d messages deleted>", n.Count)
	case history.NoticePeerConnected:
		r.Statusf("<Connected to peer: %s on connection %q>", n.Peer, n.Connection)
	case history.NoticePeerClosed:
		r.Statusf("<Disconnected from peer: %s>", n.Peer)
	}
}

// Statusf prints a status line.
func (r *LineRenderer) Statusf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.status, format+"\n", args...)
}
