package room

import (
	"fmt"

	"github.com/whisper/chat-room/internal/protocol"
)

// join adds conn to the presence set, sends it the snapshot, and announces
// the new online count to everybody else.
func (r *Room) join(conn Conn) error {
	id := conn.ID()
	r.online[id] = conn

	snapshot, err := protocol.NewServerMessage(protocol.TypeAll, protocol.AllMsg{Messages: r.log.Snapshot()})
	if err != nil {
		delete(r.online, id)
		return fmt.Errorf("room %s: build snapshot: %w", r.id, err)
	}
	r.sendTo(conn, snapshot)

	r.notify(fmt.Sprintf("A new user joined the chat (%d online)", len(r.online)), id)
	r.persist(write{kind: writePresence, online: len(r.online)})

	r.logger.Info().Str("conn", id).Int("online", len(r.online)).Msg("joined")
	return nil
}

// leave removes conn from the presence set. A connection that is not present
// is ignored, so a repeated close callback has no visible effect.
func (r *Room) leave(conn Conn) {
	id := conn.ID()
	if _, ok := r.online[id]; !ok {
		return
	}
	delete(r.online, id)

	r.notify(fmt.Sprintf("A user left the chat (%d online)", len(r.online)), "")
	r.persist(write{kind: writePresence, online: len(r.online)})

	r.logger.Info().Str("conn", id).Int("online", len(r.online)).Msg("left")
}

// notify broadcasts a notification frame.
func (r *Room) notify(text string, exclude string) {
	data, err := protocol.Notification(text)
	if err != nil {
		r.logger.Error().Err(err).Msg("build notification")
		return
	}
	r.broadcast(data, exclude)
}

// broadcast sends data to every online connection except exclude. A failed
// send is logged and not retried.
func (r *Room) broadcast(data []byte, exclude string) {
	for id, c := range r.online {
		if id == exclude {
			continue
		}
		r.sendTo(c, data)
	}
}

func (r *Room) sendTo(c Conn, data []byte) {
	if err := c.Send(data); err != nil {
		r.logger.Debug().Err(err).Str("conn", c.ID()).Msg("send failed")
	}
}
