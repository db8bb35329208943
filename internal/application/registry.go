package application

import (
	"errors"
	"fmt"

	"socks4-proxy/internal/domain"
)

var ErrRequestOutstanding = errors.New("connect request already outstanding")

// Registry routes connect responses to the handler that submitted the
// request. Each session has at most one entry, removed before delivery.
type Registry struct {
	handlers map[domain.SessionID]domain.ResponseHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.SessionID]domain.ResponseHandler)}
}

func (r *Registry) Register(id domain.SessionID, h domain.ResponseHandler) error {
	if _, ok := r.handlers[id]; ok {
		return fmt.Errorf("session %d: %w", id, ErrRequestOutstanding)
	}
	r.handlers[id] = h
	return nil
}

func (r *Registry) Remove(id domain.SessionID) bool {
	_, ok := r.handlers[id]
	delete(r.handlers, id)
	return ok
}

// Deliver hands resp to its handler. It reports false when nobody is
// waiting for it.
func (r *Registry) Deliver(resp domain.ConnectResponse) bool {
	h, ok := r.handlers[resp.ID]
	if !ok {
		return false
	}
	delete(r.handlers, resp.ID)
	h.OnConnectResponse(resp)
	return true
}

func (r *Registry) Len() int { return len(r.handlers) }
