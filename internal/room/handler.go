package room

import (
	"errors"
	"fmt"

	"github.com/whisper/chat-room/internal/chat"
	"github.com/whisper/chat-room/internal/metrics"
	"github.com/whisper/chat-room/internal/protocol"
)

// receive classifies an inbound frame and applies it.
func (r *Room) receive(conn Conn, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		r.drop(conn, dropReason(err), err)
		return
	}

	switch m := msg.(type) {
	case protocol.ChatFrame:
		if err := m.Validate(); err != nil {
			r.drop(conn, "invalid", err)
			return
		}
		metrics.FramesTotal.WithLabelValues(msgType).Inc()
		r.upsert(conn, msgType, m, data)

	case protocol.ReadMsg:
		if err := m.Validate(); err != nil {
			r.drop(conn, "invalid", err)
			return
		}
		metrics.FramesTotal.WithLabelValues(msgType).Inc()
		r.markRead(m)

	default:
		r.drop(conn, "unsupported", fmt.Errorf("room: unhandled frame %T", msg))
	}
}

// upsert handles add and update. The raw frame is relayed to every
// connection, the sender included, so clients can reconcile their own
// messages from the echo.
func (r *Room) upsert(conn Conn, msgType string, f protocol.ChatFrame, raw []byte) {
	if msgType == protocol.TypeAdd {
		r.notify(fmt.Sprintf("New message from %s", f.User), conn.ID())
	}
	r.broadcast(raw, "")

	stored := r.log.Upsert(f.Message(), r.opts.Now().UnixMilli())
	r.persist(write{kind: writeMessage, msg: stored})
}

// markRead adds the reader to the message's read set. Unknown messages and
// readers already in the set are no-ops, so duplicated or reordered read
// frames produce at most one read-update per new reader.
func (r *Room) markRead(m protocol.ReadMsg) {
	updated, changed := r.log.MarkRead(m.MessageID, m.User)
	if !changed {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeReadUpdate, protocol.ReadUpdateMsg{
		MessageID: updated.ID,
		ReadBy:    updated.ReadBy,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("message", updated.ID).Msg("build read-update")
		return
	}
	r.broadcast(data, "")
	r.persist(write{kind: writeReceipt, msg: updated})
}

func (r *Room) drop(conn Conn, reason string, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	r.logger.Debug().Err(err).Str("conn", conn.ID()).Str("reason", reason).Msg("frame dropped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrServerOnly):
		return "server_only"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, chat.ErrInvalidFrame):
		return "invalid"
	default:
		return "malformed"
	}
}
