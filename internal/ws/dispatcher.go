package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.TypingMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers the client-level ping itself.
// Malformed events are dropped; unknown types get an error frame back on the
// sending connection only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.Named("dispatch"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("session_id", conn.ID))
			d.sendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		d.logger.Debug("dropping malformed event", zap.String("session_id", conn.ID), zap.Error(err))
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.logger.Error("build error frame", zap.Error(err))
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("send error frame failed", zap.String("session_id", conn.ID), zap.Error(err))
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error("build pong frame", zap.Error(err))
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("send pong failed", zap.String("session_id", conn.ID), zap.Error(err))
	}
}
