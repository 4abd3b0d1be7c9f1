package netcode

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/outofforest/netcode/wire"
)

type serverHandler func(ctx context.Context, s *Server, peer wire.PeerID, msg any) error

// ServerRouter maps packets received by the server to their handlers.
type ServerRouter struct {
	handlers map[reflect.Type]serverHandler
}

// NewServerRouter creates empty server router.
func NewServerRouter() *ServerRouter {
	return &ServerRouter{
		handlers: map[reflect.Type]serverHandler{},
	}
}

// HandleServer registers the handler of packet type T. Handlers run on the transport goroutine.
func HandleServer[T any](r *ServerRouter, h func(ctx context.Context, s *Server, peer wire.PeerID, msg *T) error) {
	r.handlers[reflect.TypeFor[T]()] = func(ctx context.Context, s *Server, peer wire.PeerID, msg any) error {
		return h(ctx, s, peer, msg.(*T))
	}
}

type clientHandler func(ctx context.Context, c *Client, msg any) error

// ClientRouter maps packets received by the client to their handlers.
type ClientRouter struct {
	handlers map[reflect.Type]clientHandler
}

// NewClientRouter creates empty client router.
func NewClientRouter() *ClientRouter {
	return &ClientRouter{
		handlers: map[reflect.Type]clientHandler{},
	}
}

// HandleClient registers the handler of packet type T. Handlers run on the goroutine calling
// Client.HandlePackets.
func HandleClient[T any](r *ClientRouter, h func(ctx context.Context, c *Client, msg *T) error) {
	r.handlers[reflect.TypeFor[T]()] = func(ctx context.Context, c *Client, msg any) error {
		return h(ctx, c, msg.(*T))
	}
}

func checkCoverage[H any](reg *wire.Registry, handlers map[reflect.Type]H) error {
	for _, d := range reg.Descriptors() {
		if _, exists := handlers[d.Type]; !exists {
			return errors.Errorf("no handler registered for packet %s", d.Name)
		}
	}
	for t := range handlers {
		if !reg.Contains(t) {
			return errors.Errorf("handler registered for packet %s which is not received", typeName(t))
		}
	}
	return nil
}
