// Package wsrelay carries the Replication Channel over websockets.
//
// Server fronts any channel.Transport (normally a *channel.Hub) at
// /sessions/{name}; Transport is the matching client. Every websocket frame is
// one JSON frame:
//
//	{"type":"hello","conn":"<id>"}            server -> client, once, first
//	{"type":"publish","message":{...}}        client -> server
//	{"type":"deliver","message":{...}}        server -> client, in session order
//	{"type":"error","from":"...","error":"..."}  server -> client, publish failed
package wsrelay

import "github.com/roach88/blocksync/internal/ir"

// Frame types.
const (
	FrameHello   = "hello"
	FramePublish = "publish"
	FrameDeliver = "deliver"
	FrameError   = "error"
)

type frame struct {
	Type    string      `json:"type"`
	Conn    string      `json:"conn,omitempty"`
	Message *ir.Message `json:"message,omitempty"`
	From    string      `json:"from,omitempty"`
	Error   string      `json:"error,omitempty"`
}
