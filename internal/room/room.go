package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-room/internal/chat"
	"github.com/whisper/chat-room/internal/metrics"
	"github.com/whisper/chat-room/internal/store"
)

var (
	// ErrRoomClosed is returned for events submitted to a stopped room.
	ErrRoomClosed = errors.New("room: closed")

	// ErrRoomFailed wraps the storage error that tore a room down.
	ErrRoomFailed = errors.New("room: failed")
)

// DefaultQueueSize is the depth of a room's persistence queue.
const DefaultQueueSize = 256

// Options configures a room. The zero value is usable.
type Options struct {
	QueueSize int
	Logger    zerolog.Logger
	Publisher EventPublisher
	Presence  PresenceRecorder
	Now       func() time.Time

	// OnFail is called once, from the room's goroutine, after a storage
	// failure stopped the room.
	OnFail func(r *Room)
}

// Stats is a point-in-time view of a room.
type Stats struct {
	Room     string `json:"room"`
	Online   int    `json:"online"`
	Messages int    `json:"messages"`
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventFrame
	eventStats
)

type event struct {
	kind  eventKind
	conn  Conn
	data  []byte
	stats *Stats
	done  chan error
}

// writeKind tags a persistence job.
type writeKind int

const (
	writeMessage writeKind = iota
	writeReceipt
	writePresence
)

type write struct {
	kind   writeKind
	msg    chat.Message
	online int
}

// Room is a single chat room. Create it with Open.
type Room struct {
	id     string
	store  store.MessageStore
	opts   Options
	logger zerolog.Logger

	// Owned by the run goroutine.
	log    *chat.Log
	online map[string]Conn

	events  chan event
	writes  chan write
	quit    chan struct{}
	failed  chan struct{}
	stopped chan struct{}
	drained chan struct{}

	quitOnce sync.Once
	failOnce sync.Once
	err      error
}

// Open loads the room's log from s and starts its event loop and writer. A
// load failure is returned as is: a room that cannot read its history does
// not start.
func Open(ctx context.Context, id string, s store.MessageStore, opts Options) (*Room, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rows, err := s.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("room %s: load: %w", id, err)
	}

	r := &Room{
		id:      id,
		store:   s,
		opts:    opts,
		logger:  opts.Logger.With().Str("room", id).Logger(),
		log:     chat.NewLog(rows),
		online:  make(map[string]Conn),
		events:  make(chan event),
		writes:  make(chan write, opts.QueueSize),
		quit:    make(chan struct{}),
		failed:  make(chan struct{}),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}

	go r.run()
	go r.writeLoop()

	r.logger.Info().Int("messages", r.log.Len()).Msg("room activated")
	return r, nil
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Err returns the storage error that stopped the room, if any.
func (r *Room) Err() error {
	select {
	case <-r.failed:
		return r.err
	default:
		return nil
	}
}

// Join registers conn, sends it the full log, and tells everybody else.
func (r *Room) Join(conn Conn) error {
	return r.submit(event{kind: eventJoin, conn: conn})
}

// Leave removes conn and tells the remaining connections. Leaving twice is a
// no-op.
func (r *Room) Leave(conn Conn) error {
	return r.submit(event{kind: eventLeave, conn: conn})
}

// Receive handles one inbound frame from conn. Malformed frames are dropped
// and are not reported as errors.
func (r *Room) Receive(conn Conn, data []byte) error {
	return r.submit(event{kind: eventFrame, conn: conn, data: data})
}

// Stats returns the current online and message counts.
func (r *Room) Stats() (Stats, error) {
	var st Stats
	if err := r.submit(event{kind: eventStats, stats: &st}); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Stop ends the event loop and waits until every queued write is stored.
func (r *Room) Stop() {
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.stopped
	<-r.drained
}

// Drained is closed once the writer has finished.
func (r *Room) Drained() <-chan struct{} {
	return r.drained
}

// submit hands ev to the event loop and waits until it has been processed.
func (r *Room) submit(ev event) error {
	ev.done = make(chan error, 1)
	select {
	case r.events <- ev:
	case <-r.stopped:
		return r.stoppedErr()
	}
	return <-ev.done
}

func (r *Room) stoppedErr() error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRoomFailed, err)
	}
	return ErrRoomClosed
}

// run is the room's event loop. Events are handled one at a time, in arrival
// order, so the log and presence set need no locking.
func (r *Room) run() {
	failed := false

loop:
	for {
		select {
		case ev := <-r.events:
			ev.done <- r.handle(ev)
		case <-r.quit:
			break loop
		case <-r.failed:
			failed = true
			break loop
		}
	}

	close(r.writes)
	close(r.stopped)

	if !failed {
		return
	}

	r.logger.Error().Err(r.err).Int("online", len(r.online)).Msg("room stopped after storage failure")
	for _, c := range r.online {
		if err := c.Close(); err != nil {
			r.logger.Debug().Err(err).Str("conn", c.ID()).Msg("close after failure")
		}
	}
	r.online = nil
	if r.opts.OnFail != nil {
		r.opts.OnFail(r)
	}
}

func (r *Room) handle(ev event) error {
	switch ev.kind {
	case eventJoin:
		return r.join(ev.conn)
	case eventLeave:
		r.leave(ev.conn)
	case eventFrame:
		r.receive(ev.conn, ev.data)
	case eventStats:
		*ev.stats = Stats{Room: r.id, Online: len(r.online), Messages: r.log.Len()}
	}
	return nil
}

// persist queues a write. It blocks only when the queue is full.
func (r *Room) persist(w write) {
	select {
	case r.writes <- w:
	case <-r.failed:
	}
}

// fail records the first storage error and stops the room.
func (r *Room) fail(err error) {
	r.failOnce.Do(func() {
		r.err = err
		close(r.failed)
	})
}

// writeLoop stores queued writes in order. Writes for the same message id
// therefore land in the order the room applied them.
func (r *Room) writeLoop() {
	defer close(r.drained)
	defer r.clearPresence()

	for w := range r.writes {
		if w.kind == writePresence {
			r.recordPresence(w.online)
			continue
		}

		start := time.Now()
		err := r.store.Upsert(context.Background(), r.id, w.msg)
		metrics.PersistLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.PersistFailures.Inc()
			r.fail(err)
			return
		}

		r.publish(w)
	}
}

func (r *Room) publish(w write) {
	if r.opts.Publisher == nil {
		return
	}
	var err error
	if w.kind == writeReceipt {
		err = r.opts.Publisher.PublishReceipt(r.id, w.msg.ID, w.msg.ReadBy)
	} else {
		err = r.opts.Publisher.PublishMessage(r.id, w.msg)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("message", w.msg.ID).Msg("event publish failed")
	}
}

func (r *Room) recordPresence(online int) {
	if r.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.opts.Presence.SetOnline(ctx, r.id, online); err != nil {
		r.logger.Warn().Err(err).Int("online", online).Msg("presence update failed")
	}
}

func (r *Room) clearPresence() {
	if r.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.opts.Presence.Clear(ctx, r.id); err != nil {
		r.logger.Warn().Err(err).Msg("presence clear failed")
	}
}
