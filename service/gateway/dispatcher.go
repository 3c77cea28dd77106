package gateway

import (
	"context"

	"PPGateway/tools/errs"
)

// Handler processes one inbound event kind.
type Handler interface {
	Type() EventType
	Handle(ctx context.Context, s *Server, sess *Session, f *Frame) error
}

// Dispatcher routes inbound frames to handlers by event type.
type Dispatcher struct {
	handlers map[EventType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType]Handler)}
}

func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Type()] = h
}

func (d *Dispatcher) Has(t EventType) bool {
	_, ok := d.handlers[t]
	return ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, s *Server, sess *Session, f *Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrMalformedEvent.WithDetail("unknown event type " + string(f.Type))
	}
	return h.Handle(ctx, s, sess, f)
}
