package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// NoticeKind names a side-channel datagram.
type NoticeKind string

const (
	NoticeAdd       NoticeKind = "add"       // challenge offered by <id>
	NoticeRemove    NoticeKind = "remove"    // challenge by <id> expired
	NoticeStarting  NoticeKind = "starting"  // match against <id> is starting
	NoticeTimeout   NoticeKind = "timeout"   // match time is over
	NoticeNewFriend NoticeKind = "newfriend" // <id> added you as a friend
	NoticeAccepted  NoticeKind = "accepted"  // client reply to add
)

// MaxNotice bounds a side-channel datagram.
const MaxNotice = 512

var ErrBadNotice = errors.New("protocol: malformed notice")

// Notice is one side-channel datagram: "<kind> <id>" or a bare kind.
type Notice struct {
	Kind NoticeKind
	ID   string
}

func (n Notice) String() string {
	if n.ID == "" {
		return string(n.Kind)
	}
	return string(n.Kind) + " " + n.ID
}

// Bytes returns the datagram payload.
func (n Notice) Bytes() []byte {
	return []byte(n.String())
}

// ParseNotice decodes a datagram payload.
func ParseNotice(data []byte) (Notice, error) {
	fields := strings.Fields(string(data))
	switch len(fields) {
	case 1:
		return Notice{Kind: NoticeKind(fields[0])}, nil
	case 2:
		return Notice{Kind: NoticeKind(fields[0]), ID: fields[1]}, nil
	default:
		return Notice{}, fmt.Errorf("%w: %q", ErrBadNotice, data)
	}
}
