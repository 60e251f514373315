package sechat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the numeric tag carried in event_type.
type EventType int

const (
	EventMessage                EventType = 1
	EventEdit                   EventType = 2
	EventJoin                   EventType = 3
	EventLeave                  EventType = 4
	EventNameChange             EventType = 5
	EventMessageStarred         EventType = 6
	EventDebug                  EventType = 7
	EventMention                EventType = 8
	EventFlag                   EventType = 9
	EventDelete                 EventType = 10
	EventFileUpload             EventType = 11
	EventModeratorFlag          EventType = 12
	EventSettingsChanged        EventType = 13
	EventGlobalNotification     EventType = 14
	EventAccessChanged          EventType = 15
	EventUserNotification       EventType = 16
	EventInvitation             EventType = 17
	EventReply                  EventType = 18
	EventMessageMovedOut        EventType = 19
	EventMessageMovedIn         EventType = 20
	EventTimeBreak              EventType = 21
	EventFeedTicker             EventType = 22
	EventUserSuspension         EventType = 29
	EventUserMerge              EventType = 30
	EventUserNameOrAvatarChange EventType = 34
)

type eventConstructor func(base EventBase, w *wireEvent, fetcher MessageFetcher) (Event, error)

// eventTable lists every tag the protocol assigns. A nil constructor marks
// a tag that is recognized but not modeled.
var eventTable = map[EventType]struct {
	name        string
	constructor eventConstructor
}{
	EventMessage:                {"message", newMessageEvent},
	EventEdit:                   {"edit", newEditEvent},
	EventJoin:                   {"join", newJoinEvent},
	EventLeave:                  {"leave", newLeaveEvent},
	EventNameChange:             {"name_change", nil},
	EventMessageStarred:         {"message_starred", newStarEvent},
	EventDebug:                  {"debug", nil},
	EventMention:                {"mention", newMentionEvent},
	EventFlag:                   {"flag", nil},
	EventDelete:                 {"delete", newDeleteEvent},
	EventFileUpload:             {"file_upload", nil},
	EventModeratorFlag:          {"moderator_flag", nil},
	EventSettingsChanged:        {"settings_changed", nil},
	EventGlobalNotification:     {"global_notification", nil},
	EventAccessChanged:          {"access_changed", nil},
	EventUserNotification:       {"user_notification", nil},
	EventInvitation:             {"invitation", nil},
	EventReply:                  {"reply", newReplyEvent},
	EventMessageMovedOut:        {"message_moved_out", nil},
	EventMessageMovedIn:         {"message_moved_in", nil},
	EventTimeBreak:              {"time_break", nil},
	EventFeedTicker:             {"feed_ticker", nil},
	EventUserSuspension:         {"user_suspension", nil},
	EventUserMerge:              {"user_merge", nil},
	EventUserNameOrAvatarChange: {"user_name_or_avatar_change", nil},
}

// String returns the protocol name of the tag.
func (t EventType) String() string {
	if entry, ok := eventTable[t]; ok {
		return entry.name
	}
	return fmt.Sprintf("unknown_event_%d", int(t))
}

// Known reports whether the tag is assigned by the protocol.
func (t EventType) Known() bool {
	_, ok := eventTable[t]
	return ok
}

// Modeled reports whether the tag decodes to a typed event rather than
// IgnoredEvent.
func (t EventType) Modeled() bool {
	entry, ok := eventTable[t]
	return ok && entry.constructor != nil
}

// MessageFetcher resolves a message id to the full message. *Room
// implements it; decoded events use it for lazy lookups.
type MessageFetcher interface {
	GetMessage(ctx context.Context, id uint64) (*Message, error)
}

// Event is a decoded feed event. The set of implementations is closed:
// *MessageEvent, *EditEvent, *JoinEvent, *LeaveEvent, *StarEvent,
// *MentionEvent, *DeleteEvent, *ReplyEvent and *IgnoredEvent.
type Event interface {
	Type() EventType
	Base() *EventBase
	isEvent()
}

// EventBase holds the fields shared by every event.
type EventBase struct {
	Tag       EventType
	ID        uint64
	RoomID    uint64
	RoomName  string
	Timestamp time.Time
	User      User
}

func (b *EventBase) Type() EventType  { return b.Tag }
func (b *EventBase) Base() *EventBase { return b }
func (*EventBase) isEvent()           {}

// MessageBase is embedded by every event that refers to a message.
type MessageBase struct {
	EventBase
	MessageID uint64
	// Content is the rendered message body when the event carries it.
	// Star and delete events usually do not.
	Content    string
	HasContent bool
	Stars      int

	fetcher MessageFetcher
}

// Message fetches the full message this event refers to. It returns an
// error matching ErrMessageNotFound when the message was deleted.
func (m *MessageBase) Message(ctx context.Context) (*Message, error) {
	if m.fetcher == nil {
		return nil, NewError(ErrorMessageNotFound, fmt.Sprintf("event for message %d has no room", m.MessageID))
	}
	return m.fetcher.GetMessage(ctx, m.MessageID)
}

func (m *MessageBase) messageBase() *MessageBase { return m }

// messageBearer is implemented by every event embedding MessageBase.
type messageBearer interface {
	messageBase() *MessageBase
}

// PingBase is embedded by events that notify a specific user.
type PingBase struct {
	MessageBase
	TargetUserID    int64
	ParentMessageID uint64
}

// MessageEvent is emitted when a message is posted.
type MessageEvent struct{ MessageBase }

// EditEvent is emitted when a message is edited.
type EditEvent struct{ MessageBase }

// JoinEvent is emitted when a user joins the room.
type JoinEvent struct{ EventBase }

// LeaveEvent is emitted when a user leaves the room.
type LeaveEvent struct{ EventBase }

// StarEvent is emitted when a message is starred, unstarred, pinned or
// unpinned.
type StarEvent struct {
	MessageBase
	Starred bool
	Pinned  bool
}

// MentionEvent is emitted when a user is mentioned in a message.
type MentionEvent struct{ PingBase }

// DeleteEvent is emitted when a message is deleted.
type DeleteEvent struct{ MessageBase }

// ReplyEvent is emitted when a message is replied to.
type ReplyEvent struct{ PingBase }

// IgnoredEvent is a protocol event this SDK does not model. It is never
// dispatched to handlers.
type IgnoredEvent struct {
	EventBase
	Raw json.RawMessage
}

// wireEvent is the subset of event object fields the SDK reads.
type wireEvent struct {
	EventType       *int    `json:"event_type"`
	ID              uint64  `json:"id"`
	RoomID          uint64  `json:"room_id"`
	RoomName        string  `json:"room_name"`
	TimeStamp       int64   `json:"time_stamp"`
	UserID          int64   `json:"user_id"`
	UserName        string  `json:"user_name"`
	MessageID       *uint64 `json:"message_id"`
	Content         *string `json:"content"`
	MessageStars    int     `json:"message_stars"`
	MessageStarred  bool    `json:"message_starred"`
	OwnerStarred    bool    `json:"message_owner_starred"`
	TargetUserID    *int64  `json:"target_user_id"`
	ParentMessageID *uint64 `json:"parent_message_id"`
}

// DecodeEvent turns one event object into a typed Event. It never touches
// the network: fetcher is only stored for later Message calls.
//
// Tags outside the protocol table fail with ErrorProtocolDecode. Tags in
// the table without a model decode to *IgnoredEvent.
func DecodeEvent(raw []byte, fetcher MessageFetcher) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, WrapError(ErrorProtocolDecode, "malformed event object", err)
	}
	if w.EventType == nil {
		return nil, NewError(ErrorProtocolDecode, "event object has no event_type")
	}
	tag := EventType(*w.EventType)
	entry, ok := eventTable[tag]
	if !ok {
		return nil, NewError(ErrorProtocolDecode, fmt.Sprintf("unknown event type %d", int(tag)))
	}

	base := EventBase{
		Tag:      tag,
		ID:       w.ID,
		RoomID:   w.RoomID,
		RoomName: w.RoomName,
		User:     User{ID: w.UserID, Name: w.UserName},
	}
	if w.TimeStamp != 0 {
		base.Timestamp = time.Unix(w.TimeStamp, 0).UTC()
	}

	if entry.constructor == nil {
		return &IgnoredEvent{EventBase: base, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	return entry.constructor(base, &w, fetcher)
}

func decodeMessageBase(base EventBase, w *wireEvent, fetcher MessageFetcher) (MessageBase, error) {
	if w.MessageID == nil {
		return MessageBase{}, NewError(ErrorProtocolDecode, fmt.Sprintf("%s event has no message_id", base.Tag))
	}
	mb := MessageBase{
		EventBase: base,
		MessageID: *w.MessageID,
		Stars:     w.MessageStars,
		fetcher:   fetcher,
	}
	if w.Content != nil {
		mb.Content = *w.Content
		mb.HasContent = true
	}
	return mb, nil
}

func decodePingBase(base EventBase, w *wireEvent, fetcher MessageFetcher) (PingBase, error) {
	mb, err := decodeMessageBase(base, w, fetcher)
	if err != nil {
		return PingBase{}, err
	}
	if w.TargetUserID == nil {
		return PingBase{}, NewError(ErrorProtocolDecode, fmt.Sprintf("%s event has no target_user_id", base.Tag))
	}
	if w.ParentMessageID == nil {
		return PingBase{}, NewError(ErrorProtocolDecode, fmt.Sprintf("%s event has no parent_message_id", base.Tag))
	}
	return PingBase{
		MessageBase:     mb,
		TargetUserID:    *w.TargetUserID,
		ParentMessageID: *w.ParentMessageID,
	}, nil
}

func newMessageEvent(base EventBase, w *wireEvent, f MessageFetcher) (Event, error) {
	mb, err := decodeMessageBase(base, w, f)
	if err != nil {
		return nil, err
	}
	return &MessageEvent{mb}, nil
}

func newEditEvent(base EventBase, w *wireEvent, f MessageFetcher) (Event, error) {
	mb, err := decodeMessageBase(base, w, f)
	if err != nil {
		return nil, err
	}
	return &EditEvent{mb}, nil
}

func newJoinEvent(base EventBase, _ *wireEvent, _ MessageFetcher) (Event, error) {
	return &JoinEvent{base}, nil
}

func newLeaveEvent(base EventBase, _ *wireEvent, _ MessageFetcher) (Event, error) {
	return &LeaveEvent{base}, nil
}

func newStarEvent(base EventBase, w *wireEvent, f MessageFetcher) (Event, error) {
	mb, err := decodeMessageBase(base, w, f)
	if err != nil {
		return nil, err
	}
	return &StarEvent{MessageBase: mb, Starred: w.MessageStarred, Pinned: w.OwnerStarred}, nil
}

func newMentionEvent(base EventBase, w *wireEvent, f MessageFetcher) (Event, error) {
	pb, err := decodePingBase(base, w, f)
	if err != nil {
		return nil, err
	}
	return &MentionEvent{pb}, nil
}

func newDeleteEvent(base EventBase, w *wireEvent, f MessageFetcher) (Event, error) {
	mb, err := decodeMessageBase(base, w, f)
	if err != nil {
		return nil, err
	}
	return &DeleteEvent{mb}, nil
}

func newReplyEvent(base EventBase, w *wireEvent, f MessageFetcher) (Event, error) {
	pb, err := decodePingBase(base, w, f)
	if err != nil {
		return nil, err
	}
	return &ReplyEvent{pb}, nil
}
