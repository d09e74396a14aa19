package main

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
	"github.com/codeGROOVE-dev/wsbus/pkg/srv"
)

// Relay event names.
const (
	eventUserOnline  = "new user online"
	eventUserOffline = "user offline"
	eventChat        = "chat"
	eventEcho        = "echo"
	eventExample     = "example"
)

type chatMessage struct {
	Data any    `json:"data"`
	From string `json:"from"`
	Name string `json:"name,omitempty"`
}

// chatRelay announces joins and leaves and forwards chat between sessions.
// Display names come from the "username" query parameter.
type chatRelay struct {
	names *xsync.Map[string, string]
}

func registerRelay(bus *srv.Server) *chatRelay {
	r := &chatRelay{names: xsync.NewMap[string, string]()}

	bus.On(srv.EventConnection, func(data any, res srv.Response) {
		info, ok := data.(*srv.ConnectionInfo)
		if !ok {
			return
		}
		name := info.Params["username"]
		if name != "" {
			r.names.Store(res.ID(), name)
		}
		res.BroadcastOthers(eventUserOnline, name)
	})

	bus.On(srv.EventClose, func(_ any, res srv.Response) {
		name, _ := r.names.LoadAndDelete(res.ID())
		res.Broadcast(eventUserOffline, name)
	})

	bus.On(eventChat, func(data any, res srv.Response) {
		name, _ := r.names.Load(res.ID())
		res.BroadcastOthers(eventChat, chatMessage{From: res.ID(), Name: name, Data: data})
	})

	bus.On(eventEcho, func(data any, res srv.Response) {
		if err := res.Send(eventEcho, data); err != nil {
			logger.Warn(context.Background(), "echo failed", logger.Fields{"session_id": res.ID(), "error": err.Error()})
		}
	})

	// Acknowledge the sender, then ping everyone.
	bus.On(eventExample, func(_ any, res srv.Response) {
		if err := res.Send("yeah", nil); err != nil {
			logger.Warn(context.Background(), "example reply failed", logger.Fields{"session_id": res.ID(), "error": err.Error()})
		}
		res.Broadcast(eventExample, nil)
	})

	return r
}
