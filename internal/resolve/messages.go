package resolve

import (
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

type MessageStore interface {
	Peer(id model.PeerID) (model.Peer, bool)
	ApplyMessages(msgs []transport.WireMessage)
}

// MessageFetcher loads full messages. Channel messages go through the
// channel request; everything else shares one plain request. Destination 0
// stands for the plain request.
type MessageFetcher struct {
	Store MessageStore
}

func (f MessageFetcher) Destination(id model.FullMsgID) model.PeerID {
	if p, ok := f.Store.Peer(id.Peer); ok && p.IsChannel() {
		return p.ID
	}
	return 0
}

func (f MessageFetcher) Request(channel model.PeerID, ids []model.FullMsgID) *transport.Request {
	msgIDs := make([]model.MsgID, 0, len(ids))
	for _, id := range ids {
		msgIDs = append(msgIDs, id.Msg)
	}
	if channel == 0 {
		return &transport.Request{
			Method: transport.MethodGetMessages,
			Params: transport.GetMessagesParams{IDs: msgIDs},
		}
	}
	return &transport.Request{
		Method: transport.MethodGetChannelMessages,
		Peer:   channel,
		Params: transport.GetMessagesParams{Channel: channel, IDs: msgIDs},
	}
}

func (f MessageFetcher) Apply(_ model.PeerID, resp *transport.Response) {
	if resp != nil {
		f.Store.ApplyMessages(resp.Messages)
	}
}

type MessageQueue = Queue[model.FullMsgID, model.PeerID]

func NewMessageQueue(tr transport.Transport, timers loop.Timers, delay time.Duration, st MessageStore) *MessageQueue {
	return NewQueue[model.FullMsgID, model.PeerID](tr, timers, delay, MessageFetcher{Store: st})
}
