package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/chat-room/loadtest/client"
	"github.com/whisper/chat-room/loadtest/stats"
)

type saturateOptions struct {
	url         string
	connections int
	rooms       int
	prefix      string
	ramp        time.Duration
	hold        time.Duration
	concurrency int
}

// saturator opens idle participants round-robin over a set of rooms and
// keeps them until the hold period ends. Every participant waits for its
// join snapshot, so a room that fails to activate shows up as errors rather
// than as silent connections.
type saturator struct {
	opts      saturateOptions
	collector *stats.Collector

	mu     sync.Mutex
	byRoom map[string][]*client.Client
}

// runSaturate finds the number of idle room participants the server holds
// before it starts rejecting or dropping them.
func runSaturate(args []string) {
	var opts saturateOptions
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	fs.StringVar(&opts.url, "url", "ws://localhost:8080/parties/chat", "WebSocket base URL; the room id is appended")
	fs.IntVar(&opts.connections, "connections", 1000, "Number of connections to open")
	fs.IntVar(&opts.rooms, "rooms", 10, "Number of rooms to spread connections over")
	fs.StringVar(&opts.prefix, "prefix", "saturate", "Room id prefix")
	fs.DurationVar(&opts.ramp, "ramp", 10*time.Second, "Ramp-up duration")
	fs.DurationVar(&opts.hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	fs.IntVar(&opts.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	if opts.rooms <= 0 {
		opts.rooms = 1
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}

	fmt.Printf("Saturate test: %d connections over %d rooms at %s (ramp=%s, hold=%s, concurrency=%d)\n",
		opts.connections, opts.rooms, opts.url, opts.ramp, opts.hold, opts.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &saturator{
		opts:      opts,
		collector: stats.NewCollector(),
		byRoom:    make(map[string][]*client.Client),
	}

	if s.rampUp(ctx) {
		s.holdOpen(ctx)
	}
	s.closeAll()
	s.collector.Report()
}

// rampUp launches one participant per tick. It reports false when
// interrupted.
func (s *saturator) rampUp(ctx context.Context) bool {
	fmt.Println("\n--- Ramp-up ---")

	interval := s.opts.ramp / time.Duration(max(s.opts.connections, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressCtx, cancelProgress := context.WithCancel(ctx)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		s.reportProgress(progressCtx)
	}()

	start := time.Now()
	sem := make(chan struct{}, s.opts.concurrency)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	completed := true
	for n := 0; n < s.opts.connections && completed; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			completed = false
		case <-ticker.C:
			sem <- struct{}{}
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				defer func() { <-sem }()
				s.join(ctx, n)
			}(n)
			n++
		}
	}
	wg.Wait()

	cancelProgress()
	<-progressDone

	fmt.Printf("\nRamp-up finished: %d/%d participants in %s (%d errors)\n",
		s.collector.ConnectionCount(), s.opts.connections,
		time.Since(start).Round(time.Millisecond), s.collector.ErrorCount())
	return completed
}

// join connects participant n and waits for its snapshot.
func (s *saturator) join(ctx context.Context, n int) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	room := fmt.Sprintf("%s-%d", s.opts.prefix, n%s.opts.rooms)
	c, err := client.New(ctx, roomURL(s.opts.url, s.opts.prefix, n%s.opts.rooms), fmt.Sprintf("idle-%d", n))
	if err != nil {
		s.collector.AddError()
		return
	}
	c.Start()
	if err := c.WaitForSnapshot(ctx); err != nil {
		s.collector.AddError()
		c.Close()
		return
	}

	m := c.GetMetrics()
	s.collector.AddConnect(m.ConnectLatency)
	s.collector.AddSnapshot(m.SnapshotSize)

	s.mu.Lock()
	s.byRoom[room] = append(s.byRoom[room], c)
	s.mu.Unlock()
}

func (s *saturator) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last, lastAt := 0, time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			count := s.collector.ConnectionCount()
			rate := float64(count-last) / now.Sub(lastAt).Seconds()
			fmt.Printf("  [ramp] joined: %d/%d  errors: %d  rate: %.1f/s\n",
				count, s.opts.connections, s.collector.ErrorCount(), rate)
			last, lastAt = count, now
		}
	}
}

// holdOpen keeps every participant connected for the hold period and prints
// how many each room lost.
func (s *saturator) holdOpen(ctx context.Context) {
	fmt.Printf("\n--- Hold (%s) ---\n", s.opts.hold)

	timer := time.NewTimer(s.opts.hold)
	defer timer.Stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			s.printDrops()
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			s.printDrops()
			return
		case <-ticker.C:
			alive, total := s.aliveCount()
			fmt.Printf("  [hold] alive: %d/%d\n", alive, total)
		}
	}
}

func (s *saturator) aliveCount() (alive, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, clients := range s.byRoom {
		for _, c := range clients {
			total++
			if !closed(c) {
				alive++
			}
		}
	}
	return alive, total
}

func (s *saturator) printDrops() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.byRoom))
	for room := range s.byRoom {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	for _, room := range rooms {
		dropped := 0
		for _, c := range s.byRoom[room] {
			if closed(c) {
				dropped++
			}
		}
		if dropped > 0 {
			fmt.Printf("  %s: %d/%d dropped\n", room, dropped, len(s.byRoom[room]))
		}
	}
}

func (s *saturator) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, clients := range s.byRoom {
		for _, c := range clients {
			c.Close()
			n++
		}
	}
	fmt.Printf("\nClosed %d connections.\n", n)
}

func closed(c *client.Client) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
