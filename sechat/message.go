package sechat

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// editWindow is how long after posting a message its author may edit it.
const editWindow = 115 * time.Second

// Message is a chat message. Two messages are the same message when their
// IDs are equal; the mutable fields are read through accessors.
type Message struct {
	ID        uint64
	RoomID    uint64
	Author    User
	Timestamp time.Time

	mu              sync.RWMutex
	content         string
	stars           int
	starredByClient bool

	room *Room
}

// Content returns the rendered message body.
func (m *Message) Content() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.content
}

// Stars returns the star count.
func (m *Message) Stars() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stars
}

// StarredByClient reports whether the logged-in user has starred the message.
func (m *Message) StarredByClient() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.starredByClient
}

// Room returns the room the message was seen in.
func (m *Message) Room() *Room { return m.room }

// Equal reports whether m and o identify the same message.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.ID == o.ID
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(id=%d, author=%s, stars=%d, content=%q)", m.ID, m.Author, m.Stars(), m.Content())
}

// Editable reports whether the edit window is still open at now.
func (m *Message) Editable(now time.Time) bool {
	return now.Sub(m.Timestamp) < editWindow
}

// Edit replaces the message text. Content changes only after the server
// acknowledges the edit.
func (m *Message) Edit(ctx context.Context, text string) error {
	path := "/messages/" + strconv.FormatUint(m.ID, 10)
	if err := m.room.action(ctx, path, url.Values{"text": {text}}); err != nil {
		return err
	}
	m.mu.Lock()
	m.content = text
	m.mu.Unlock()
	return nil
}

// Delete deletes the message and drops it from the room's store.
func (m *Message) Delete(ctx context.Context) error {
	path := "/messages/" + strconv.FormatUint(m.ID, 10) + "/delete"
	if err := m.room.action(ctx, path, nil); err != nil {
		return err
	}
	m.room.store.Remove(m.ID)
	return nil
}

// ToggleStar stars the message, or unstars it if the client already has.
func (m *Message) ToggleStar(ctx context.Context) error {
	path := "/messages/" + strconv.FormatUint(m.ID, 10) + "/star"
	if err := m.room.action(ctx, path, nil); err != nil {
		return err
	}
	m.mu.Lock()
	if m.starredByClient {
		m.stars--
	} else {
		m.stars++
	}
	m.starredByClient = !m.starredByClient
	m.mu.Unlock()
	return nil
}

// Reply posts text as a reply to this message.
func (m *Message) Reply(ctx context.Context, text string) (*Message, error) {
	return m.room.SendMessage(ctx, ":"+strconv.FormatUint(m.ID, 10)+" "+text)
}

// ReplyingTo returns the message this one replies to, or nil if it is not
// a reply.
func (m *Message) ReplyingTo(ctx context.Context) (*Message, error) {
	id, ok := parentID(m.Content())
	if !ok {
		return nil, nil
	}
	return m.room.GetMessage(ctx, id)
}

// Markdown fetches the unrendered source of the message.
func (m *Message) Markdown(ctx context.Context) (string, error) {
	path := fmt.Sprintf("/messages/%d/%d", m.room.id, m.ID)
	resp, err := m.room.request(ctx, path, nil)
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// parentID extracts the id from a ":<id> text" reply prefix.
func parentID(content string) (uint64, bool) {
	if !strings.HasPrefix(content, ":") {
		return 0, false
	}
	rest := content[1:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// mergeFrom copies the mutable state of o into m.
func (m *Message) mergeFrom(o *Message) {
	o.mu.RLock()
	content, stars, starred := o.content, o.stars, o.starredByClient
	o.mu.RUnlock()

	m.mu.Lock()
	m.content = content
	m.stars = stars
	m.starredByClient = starred
	m.mu.Unlock()
}

func (m *Message) setContent(content string) {
	m.mu.Lock()
	m.content = content
	m.mu.Unlock()
}

func (m *Message) setStars(n int) {
	m.mu.Lock()
	m.stars = n
	m.mu.Unlock()
}

// messageFromWire builds a message from a history or feed event object.
// ok is false for objects without content, such as deleted messages.
func messageFromWire(w *wireEvent, room *Room) (*Message, bool) {
	if w.MessageID == nil || w.Content == nil {
		return nil, false
	}
	m := &Message{
		ID:              *w.MessageID,
		RoomID:          w.RoomID,
		Author:          User{ID: w.UserID, Name: w.UserName},
		Timestamp:       time.Unix(w.TimeStamp, 0).UTC(),
		content:         *w.Content,
		stars:           w.MessageStars,
		starredByClient: w.MessageStarred,
		room:            room,
	}
	if room != nil && m.RoomID == 0 {
		m.RoomID = room.id
	}
	return m, true
}

// messageFromEvent builds a message from a decoded feed event carrying
// content.
func messageFromEvent(mb *MessageBase, room *Room) (*Message, bool) {
	if !mb.HasContent {
		return nil, false
	}
	m := &Message{
		ID:        mb.MessageID,
		RoomID:    mb.RoomID,
		Author:    mb.User,
		Timestamp: mb.Timestamp,
		content:   mb.Content,
		stars:     mb.Stars,
		room:      room,
	}
	if room != nil && m.RoomID == 0 {
		m.RoomID = room.id
	}
	return m, true
}
