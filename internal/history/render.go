package history

import (
	"time"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

// Direction tells whether a message was sent by the local identity.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Message is one rendering-ready line of the conversation view.
type Message struct {
	RecordID    string
	Timestamp   time.Time
	SenderAlias string
	Direction   Direction
	Text        string
	Attachments []models.Blob
}

// NoticeKind identifies a non-message event shown to the user.
type NoticeKind int

const (
	NoticeHistory NoticeKind = iota
	NoticeNoHistory
	NoticeDeleted
	NoticePeerConnected
	NoticePeerClosed
)

// Notice is a status line. Count and IDs are set for NoticeDeleted, Peer and
// Connection for peer notices.
type Notice struct {
	Kind       NoticeKind
	Count      int
	IDs        []string
	Peer       string
	Connection string
}

// Renderer receives the reconciled view. RenderMessage is called once per
// message in display order.
type Renderer interface {
	RenderMessage(Message) error
	RenderNotice(Notice)
}

// RendererFuncs adapts plain functions to a Renderer. Nil fields are no-ops.
type RendererFuncs struct {
	Message func(Message) error
	Notice  func(Notice)
}

func (f RendererFuncs) RenderMessage(m Message) error {
	if f.Message == nil {
		return nil
	}
	return f.Message(m)
}

func (f RendererFuncs) RenderNotice(n Notice) {
	if f.Notice != nil {
		f.Notice(n)
	}
}
