package service

import (
	"fmt"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

// SendVote votes in the poll carried by msg. An empty options list retracts
// the vote. Only one vote per message may be in flight.
func (s *Sender) SendVote(msg model.FullMsgID, options [][]byte, cb Callbacks) error {
	if _, err := s.writablePeer(msg.Peer); err != nil {
		return err
	}
	m, ok := s.store.Message(msg)
	if !ok || m.IsLocal() {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, msg)
	}
	if _, ok := m.Payload.(model.Poll); !ok {
		return apierr.Validationf("message %s has no poll", msg)
	}
	if _, busy := s.votes[msg]; busy {
		return fmt.Errorf("%w: %s", ErrVoteInProgress, msg)
	}

	s.votes[msg] = struct{}{}
	s.tr.Submit(&transport.Request{
		Method: transport.MethodSendVote,
		Peer:   msg.Peer,
		Params: transport.SendVoteParams{MsgID: msg.Msg, Options: options},
	}, func(res transport.Result) {
		delete(s.votes, msg)
		if !res.OK() {
			s.count("vote_failed")
			newTracker("vote", cb, 1).fail(res.Err)
			return
		}
		if res.Response != nil {
			s.store.ApplyMessages(res.Response.Messages)
		}
		s.count("voted")
		newTracker("vote", cb, 1).confirm(0, msg)
	})
	return nil
}

// VoteInProgress reports whether a vote for msg awaits its answer.
func (s *Sender) VoteInProgress(msg model.FullMsgID) bool {
	_, ok := s.votes[msg]
	return ok
}
