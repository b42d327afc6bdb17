package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the only version string the server accepts.
const ProtocolVersion = "1.0"

// Tag is a one-byte command/response code.
type Tag uint8

// Wire tags. File transfer tags are reserved, nothing handles them yet.
const (
	TagVersion          Tag = 0x01
	TagUsername         Tag = 0x02
	TagListRooms        Tag = 0x03
	TagJoinRoom         Tag = 0x04
	TagLeaveRoom        Tag = 0x05
	TagSendMessage      Tag = 0x06
	TagSendFileRequest  Tag = 0x07
	TagSendFileResponse Tag = 0x08
	TagFileTransfer     Tag = 0x09
	TagNotification     Tag = 0x0A
	TagExit             Tag = 0x0B
	TagOK               Tag = 0x0C
	TagError            Tag = 0x0D
	TagFileDownload     Tag = 0x0E
	TagInvalid          Tag = 0xFF
)

var tagNames = map[Tag]string{
	TagVersion:          "VERSION",
	TagUsername:         "USERNAME",
	TagListRooms:        "LIST_ROOMS",
	TagJoinRoom:         "JOIN_ROOM",
	TagLeaveRoom:        "LEAVE_ROOM",
	TagSendMessage:      "SEND_MESSAGE",
	TagSendFileRequest:  "SEND_FILE_REQUEST",
	TagSendFileResponse: "SEND_FILE_RESPONSE",
	TagFileTransfer:     "FILE_TRANSFER",
	TagNotification:     "NOTIFICATION",
	TagExit:             "EXIT",
	TagOK:               "OK",
	TagError:            "ERROR",
	TagFileDownload:     "FILE_DOWNLOAD",
	TagInvalid:          "INVALID",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
}

// Frame is a single decoded TLV unit.
type Frame struct {
	Tag   Tag
	Value []byte
}

// Text returns the frame value as a string.
func (f Frame) Text() string {
	return string(f.Value)
}

// Endpoint is anything a frame can be delivered to. Identity is the
// connection ID, never the username.
type Endpoint interface {
	ID() uuid.UUID
	Send(tag Tag, value []byte) error
}

// Client is an authenticated connection. Room is owned by the room registry
// and must only be changed under its lock.
type Client struct {
	Conn     Endpoint
	Username string
	Room     string
}

// ID returns the identity of the underlying connection.
func (c *Client) ID() uuid.UUID {
	return c.Conn.ID()
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ValidName reports whether s is a non-empty string of ASCII letters and digits.
// Usernames and room names share this rule.
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
