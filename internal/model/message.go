package model

import (
	"fmt"
	"time"
)

type PeerID int64

type MsgID int64

// Server ids stay below ServerMaxMsgID; local echoes are numbered from
// StartProvisionalMsgID upwards so the two spaces never meet.
const (
	ServerMaxMsgID        MsgID = 0x3FFFFFFF
	StartProvisionalMsgID MsgID = ServerMaxMsgID + 1
)

func IsServerMsgID(id MsgID) bool {
	return id > 0 && id < ServerMaxMsgID
}

type FullMsgID struct {
	Peer PeerID `json:"peer"`
	Msg  MsgID  `json:"msg"`
}

func (id FullMsgID) String() string {
	return fmt.Sprintf("%d:%d", id.Peer, id.Msg)
}

type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

type Peer struct {
	ID       PeerID   `json:"id"`
	Kind     PeerKind `json:"kind"`
	CanWrite bool     `json:"canWrite"`
}

func (p Peer) IsChannel() bool {
	return p.Kind == PeerChannel
}

type Lifecycle string

const (
	Sending   Lifecycle = "sending"
	Failed    Lifecycle = "failed"
	Confirmed Lifecycle = "confirmed"
)

// Message is either a local echo (provisional id, Sending or Failed) or a
// message known to the server (canonical id, Confirmed).
type Message struct {
	ID        FullMsgID `json:"id"`
	GroupID   uint64    `json:"groupId,omitempty"`
	ReplyTo   MsgID     `json:"replyTo,omitempty"`
	Date      time.Time `json:"date"`
	Payload   Payload   `json:"-"`
	Lifecycle Lifecycle `json:"lifecycle"`
	Scheduled bool      `json:"scheduled,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

func (m *Message) IsLocal() bool {
	return !IsServerMsgID(m.ID.Msg)
}

// MediaKey returns the key of the binary object the message carries, if any.
func (m *Message) MediaKey() (MediaKey, bool) {
	if em, ok := m.Payload.(ExistingMedia); ok {
		return em.Key, true
	}
	return MediaKey{}, false
}

// Confirmation is the authoritative server answer for one correlation token.
type Confirmation struct {
	RandomID uint64 `json:"randomId"`
	ID       MsgID  `json:"id"`
	Date     int64  `json:"date,omitempty"`
	Media    *Media `json:"media,omitempty"`
}

type SendOptions struct {
	// ScheduleDate is a unix timestamp; 0 sends immediately.
	ScheduleDate int64  `json:"scheduleDate,omitempty"`
	Silent       bool   `json:"silent,omitempty"`
	SendAs       PeerID `json:"sendAs,omitempty"`
}

func (o SendOptions) Scheduled() bool {
	return o.ScheduleDate != 0
}

// SendIntent describes one user action. It is never mutated after creation.
type SendIntent struct {
	Peer       PeerID
	ReplyTo    MsgID
	Options    SendOptions
	ClearDraft bool
	Payload    Payload
}

type AlbumIntent struct {
	Peer    PeerID
	ReplyTo MsgID
	Options SendOptions
	Items   []Upload
}

type Draft struct {
	Text    string `json:"text"`
	ReplyTo MsgID  `json:"replyTo,omitempty"`
}
