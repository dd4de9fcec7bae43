// Package transport defines the request/response boundary the pipeline
// talks to, and an HTTP/JSON implementation of it.
package transport

import (
	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

type Handle uint64

type Method string

const (
	MethodSendMessage          Method = "messages.sendMessage"
	MethodSendMedia            Method = "messages.sendMedia"
	MethodSendMultiMedia       Method = "messages.sendMultiMedia"
	MethodForwardMessages      Method = "messages.forwardMessages"
	MethodUploadMedia          Method = "messages.uploadMedia"
	MethodSendVote             Method = "messages.sendVote"
	MethodSaveDraft            Method = "messages.saveDraft"
	MethodGetMessages          Method = "messages.getMessages"
	MethodGetChannelMessages   Method = "channels.getMessages"
	MethodGetScheduledMessages Method = "messages.getScheduledMessages"
	MethodGetUserPhotos        Method = "photos.getUserPhotos"
	MethodGetStickerSet        Method = "messages.getStickerSet"
	MethodGetRecentStickers    Method = "messages.getRecentStickers"
	MethodGetFavedStickers     Method = "messages.getFavedStickers"
	MethodGetSavedGifs         Method = "messages.getSavedGifs"
	MethodGetWallPaper         Method = "account.getWallPaper"
	MethodGetTheme             Method = "account.getTheme"
)

type Request struct {
	Method Method       `json:"method"`
	Peer   model.PeerID `json:"peer,omitempty"`
	Params any          `json:"params,omitempty"`
}

// Flags shared by every request that creates messages.
type SendFlags struct {
	ReplyTo      model.MsgID  `json:"replyTo,omitempty"`
	Silent       bool         `json:"silent,omitempty"`
	ScheduleDate int64        `json:"scheduleDate,omitempty"`
	SendAs       model.PeerID `json:"sendAs,omitempty"`
	ClearDraft   bool         `json:"clearDraft,omitempty"`
}

type SendMessageParams struct {
	SendFlags
	Text      string `json:"text"`
	RandomID  uint64 `json:"randomId"`
	NoWebpage bool   `json:"noWebpage,omitempty"`
}

type InputMediaKind string

const (
	InputPhoto    InputMediaKind = "photo"
	InputDocument InputMediaKind = "document"
	InputUploaded InputMediaKind = "uploaded"
	InputPoll     InputMediaKind = "poll"
	InputGeo      InputMediaKind = "geo"
	InputContact  InputMediaKind = "contact"
	InputDice     InputMediaKind = "dice"
)

type InputMedia struct {
	Kind          InputMediaKind  `json:"kind"`
	ID            int64           `json:"id,omitempty"`
	AccessHash    int64           `json:"accessHash,omitempty"`
	FileReference []byte          `json:"fileReference,omitempty"`
	Poll          *model.Poll     `json:"poll,omitempty"`
	Geo           *model.Location `json:"geo,omitempty"`
	Contact       *model.Contact  `json:"contact,omitempty"`
	Emoji         string          `json:"emoji,omitempty"`
	// File carries the bytes of an inline upload.
	File *UploadMediaParams `json:"file,omitempty"`
}

// InputFromMedia refers to an object the server already has.
func InputFromMedia(m model.Media) InputMedia {
	kind := InputDocument
	if m.Key.Kind == model.MediaPhoto {
		kind = InputPhoto
	}
	return InputMedia{
		Kind:          kind,
		ID:            m.Key.ID,
		AccessHash:    m.AccessHash,
		FileReference: append([]byte(nil), m.FileReference...),
	}
}

type SendMediaParams struct {
	SendFlags
	Media    InputMedia `json:"media"`
	Caption  string     `json:"caption,omitempty"`
	RandomID uint64     `json:"randomId"`
}

type SingleMedia struct {
	Media    InputMedia `json:"media"`
	RandomID uint64     `json:"randomId"`
	Caption  string     `json:"caption,omitempty"`
}

type SendMultiMediaParams struct {
	SendFlags
	Items []SingleMedia `json:"items"`
}

type ForwardMessagesParams struct {
	SendFlags
	From      model.PeerID  `json:"from"`
	IDs       []model.MsgID `json:"ids"`
	RandomIDs []uint64      `json:"randomIds"`
}

type UploadMediaParams struct {
	Name  string           `json:"name"`
	Class model.MediaClass `json:"class"`
	Data  []byte           `json:"data"`
}

type SendVoteParams struct {
	MsgID   model.MsgID `json:"msgId"`
	Options [][]byte    `json:"options"`
}

type SaveDraftParams struct {
	Text    string      `json:"text"`
	ReplyTo model.MsgID `json:"replyTo,omitempty"`
}

type GetMessagesParams struct {
	Channel model.PeerID  `json:"channel,omitempty"`
	IDs     []model.MsgID `json:"ids"`
}

type GetUserPhotosParams struct {
	UserID int64 `json:"userId"`
	MaxID  int64 `json:"maxId"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

type GetStickerSetParams struct {
	SetID      int64 `json:"setId"`
	AccessHash int64 `json:"accessHash"`
}

type GetRecentStickersParams struct {
	Attached bool `json:"attached,omitempty"`
}

type GetWallPaperParams struct {
	PaperID    int64  `json:"paperId,omitempty"`
	AccessHash int64  `json:"accessHash,omitempty"`
	Slug       string `json:"slug,omitempty"`
}

type GetThemeParams struct {
	ThemeID    int64 `json:"themeId"`
	AccessHash int64 `json:"accessHash"`
}

// WireMessage is a message as the server reports it.
type WireMessage struct {
	ID        model.FullMsgID `json:"id"`
	GroupID   uint64          `json:"groupId,omitempty"`
	Date      int64           `json:"date,omitempty"`
	Text      string          `json:"text,omitempty"`
	Media     *model.Media    `json:"media,omitempty"`
	Scheduled bool            `json:"scheduled,omitempty"`
}

type Response struct {
	Confirmed []model.Confirmation `json:"confirmed,omitempty"`
	Messages  []WireMessage        `json:"messages,omitempty"`
	Media     []model.Media        `json:"media,omitempty"`
	Uploaded  *model.Media         `json:"uploaded,omitempty"`
}

// Result carries exactly one of Response or Err.
type Result struct {
	Handle   Handle
	Response *Response
	Err      *apierr.Error
}

func (r Result) OK() bool {
	return r.Err == nil
}

type Completion func(Result)

// Transport delivers requests. Completions run on the control loop and are
// never invoked from inside Submit. Cancel still produces a completion, with
// an error of kind apierr.Cancelled.
type Transport interface {
	Submit(req *Request, done Completion) Handle
	Cancel(h Handle)
}
