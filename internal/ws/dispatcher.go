package ws

import (
	"errors"
	"log/slog"

	"github.com/whisper/emochat/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes parsed client events to registered handlers. Ping
// is answered here; frames that do not parse get an error event back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *slog.Logger
}

// NewMessageDispatcher creates a dispatcher. server may be nil and set later
// with SetServer, since NewServer needs Dispatch as its callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      slog.With("component", "dispatch"),
	}
}

// SetServer assigns the Server used to reply.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		d.log.Debug("dropping unknown event", "conn_id", conn.ID, "type", msgType)
		return
	case errors.Is(err, protocol.ErrInvalidPayload):
		d.log.Debug("dropping invalid event", "conn_id", conn.ID, "type", msgType, "error", err)
		return
	case err != nil:
		d.log.Debug("unparsable frame", "conn_id", conn.ID, "error", err)
		d.SendError(conn.ID, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn.ID, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("no handler for event", "conn_id", conn.ID, "type", msgType)
		return
	}
	handler(conn, msg)
}

// SendError sends an error event to connID.
func (d *MessageDispatcher) SendError(connID, code, message string) {
	d.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) send(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("build server event", "type", msgType, "error", err)
		return
	}
	if err := d.server.SendMessage(connID, data); err != nil {
		d.log.Debug("send failed", "conn_id", connID, "type", msgType, "error", err)
	}
}
