package sechat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// User is a chat user as seen in profile links and event payloads.
// System users may carry negative ids.
type User struct {
	ID   int64  `json:"user_id"`
	Name string `json:"user_name"`
}

func (u User) String() string {
	return fmt.Sprintf("%s (%d)", u.Name, u.ID)
}

// userFromProfileLink parses a chat profile link of the form
// "/users/<id>/<slug>". ok is false when the link points at the login page,
// meaning the cookies did not authenticate anyone.
func userFromProfileLink(href, name string) (u User, ok bool, err error) {
	if strings.Contains(href, "login") {
		return User{}, false, nil
	}
	parts := strings.Split(href, "/")
	if len(parts) < 3 || parts[2] == "" {
		return User{}, false, fmt.Errorf("no user id in profile link %q", href)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return User{}, false, fmt.Errorf("parse user id from %q: %w", href, err)
	}
	return User{ID: id, Name: strings.TrimSpace(name)}, true, nil
}

// RoomInfo identifies a chat room on a host.
type RoomInfo struct {
	ID   uint64
	Name string
	Host string
}

// channelKey is the field name under which a room's events are
// multiplexed in a feed frame.
func channelKey(roomID uint64) string {
	return "r" + strconv.FormatUint(roomID, 10)
}

// channelPayload is one room's slice of a feed frame.
type channelPayload struct {
	Events []json.RawMessage `json:"e"`
}

// decodeFrame extracts this room's event object from a feed frame.
//
// Only the first element of the room's "e" array is returned. The server
// can batch several events into one array; the reference client this SDK
// mirrors has always acted on the first one only, and this behavior is
// kept so both observe the same stream.
func decodeFrame(data []byte, roomID uint64) (json.RawMessage, bool, error) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, WrapError(ErrorProtocolDecode, "malformed feed frame", err)
	}
	raw, ok := frame[channelKey(roomID)]
	if !ok {
		return nil, false, nil
	}
	var payload channelPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false, WrapError(ErrorProtocolDecode, "malformed channel payload", err)
	}
	if len(payload.Events) == 0 {
		return nil, false, nil
	}
	return payload.Events[0], true, nil
}
