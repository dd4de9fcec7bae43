// Package registry binds random correlation tokens to the local echoes they
// were generated for, until the server confirms or the send fails.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

var ErrDuplicateToken = errors.New("correlation token already registered")

type Token uint64

// Reconciler moves a local echo to its server-assigned identity.
type Reconciler interface {
	ApplyConfirmedUpdate(local model.FullMsgID, c model.Confirmation) (model.FullMsgID, error)
}

type Registry struct {
	store   Reconciler
	random  io.Reader
	byToken map[Token]model.FullMsgID
}

func New(store Reconciler) *Registry {
	return &Registry{
		store:   store,
		random:  rand.Reader,
		byToken: make(map[Token]model.FullMsgID),
	}
}

// NewToken draws a non-zero token that is not currently registered.
func (r *Registry) NewToken() Token {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r.random, buf[:]); err != nil {
			panic(fmt.Sprintf("registry: read random: %v", err))
		}
		t := Token(binary.LittleEndian.Uint64(buf[:]))
		if t == 0 {
			continue
		}
		if _, taken := r.byToken[t]; taken {
			continue
		}
		return t
	}
}

func (r *Registry) Register(t Token, local model.FullMsgID) error {
	if _, ok := r.byToken[t]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateToken, t)
	}
	r.byToken[t] = local
	return nil
}

// Resolve applies the confirmation to the echo registered under t and
// unregisters t. Unknown tokens are ignored and report ok=false.
func (r *Registry) Resolve(t Token, c model.Confirmation) (model.FullMsgID, bool, error) {
	local, ok := r.byToken[t]
	if !ok {
		return model.FullMsgID{}, false, nil
	}
	delete(r.byToken, t)

	canonical, err := r.store.ApplyConfirmedUpdate(local, c)
	if err != nil {
		return local, true, fmt.Errorf("apply confirmation for %s: %w", local, err)
	}
	return canonical, true, nil
}

// Release unregisters t without resolving it. It reports whether t was
// registered.
func (r *Registry) Release(t Token) bool {
	if _, ok := r.byToken[t]; !ok {
		return false
	}
	delete(r.byToken, t)
	return true
}

func (r *Registry) Lookup(t Token) (model.FullMsgID, bool) {
	id, ok := r.byToken[t]
	return id, ok
}

func (r *Registry) Len() int {
	return len(r.byToken)
}
