package ws

import (
	"errors"
	"log"

	"github.com/whisper/callengine/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the pointer
// returned by protocol.ParseClientMessage, e.g. *protocol.FindMatchMsg.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed, invalid or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[gateway] dispatch identity=%s: %v", conn.ID, err)
		switch {
		case errors.Is(err, protocol.ErrUnsupported):
			SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		case errors.Is(err, protocol.ErrInvalid):
			SendError(conn, protocol.CodeInvalidRequest, err.Error())
		default:
			SendError(conn, protocol.CodeParseError, "invalid message format")
		}
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[gateway] no handler for type=%q identity=%s", msgType, conn.ID)
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError writes a structured error message to the client. Failures are
// logged but not propagated.
func SendError(conn *Connection, code, message string) {
	if err := conn.WriteMessage(protocol.NewError(code, message)); err != nil {
		log.Printf("[gateway] failed to send error to %s: %v", conn.ID, err)
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[gateway] failed to build pong for %s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] failed to send pong to %s: %v", conn.ID, err)
	}
}
