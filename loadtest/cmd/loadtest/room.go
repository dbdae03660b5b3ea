package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/chat-room/loadtest/client"
	"github.com/whisper/chat-room/loadtest/stats"
)

// runRoom implements the room fan-out test. Each room gets a fixed number of
// participants; every participant posts a message per interval and, when
// enabled, marks every foreign message it receives as read. The test measures
// connect and snapshot latency and the time until a sender sees the echo of
// its own message, which covers the full receive, apply and broadcast path.
func runRoom(args []string) {
	fs := flag.NewFlagSet("room", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/parties/chat", "WebSocket base URL; the room id is appended")
	rooms := fs.Int("rooms", 5, "Number of rooms")
	perRoom := fs.Int("per-room", 20, "Participants per room")
	prefix := fs.String("prefix", "fanout", "Room id prefix")
	duration := fs.Duration("duration", 30*time.Second, "How long participants keep posting")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per participant")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	reads := fs.Bool("reads", true, "Send a read receipt for every foreign message")
	fs.Parse(args)

	total := *rooms * *perRoom
	fmt.Printf("Room test: %d rooms x %d participants at %s (duration=%s, interval=%s, msg-size=%d, reads=%v)\n",
		*rooms, *perRoom, *url, *duration, *msgInterval, *msgSize, *reads)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	payload := strings.Repeat("x", *msgSize)
	var readUpdates atomic.Int64

	// -----------------------------------------------------------------------
	// Phase 1: join every room
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Join rooms ---")

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, total)
		wg      sync.WaitGroup
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			user := fmt.Sprintf("user-%d", i)
			c, err := client.New(connCtx, roomURL(*url, *prefix, i%*rooms), user)
			if err != nil {
				collector.AddError()
				return
			}
			c.On(client.TypeReadUpdate, func(json.RawMessage) { readUpdates.Add(1) })
			if *reads {
				c.On(client.TypeAdd, func(raw json.RawMessage) {
					var m struct {
						ID   string `json:"id"`
						User string `json:"user"`
					}
					if err := json.Unmarshal(raw, &m); err != nil || m.User == c.User() {
						return
					}
					if err := c.SendRead(m.ID); err != nil {
						collector.AddError()
					}
				})
			}
			c.Start()

			if err := c.WaitForSnapshot(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			m := c.GetMetrics()
			collector.AddConnect(m.SnapshotLatency)
			collector.AddSnapshot(m.SnapshotSize)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	fmt.Printf("Joined: %d/%d (%d errors)\n", len(clients), total, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: post messages
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Post messages ---")

	postCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var sent atomic.Int64
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			n := 0
			for {
				select {
				case <-postCtx.Done():
					return
				case <-ticker.C:
					id := fmt.Sprintf("%s-%d", c.User(), n)
					n++
					if err := c.SendAdd(id, payload); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
				}
			}
		}(c)
	}

	progress := time.NewTicker(5 * time.Second)
progressLoop:
	for {
		select {
		case <-postCtx.Done():
			break progressLoop
		case <-progress.C:
			fmt.Printf("  [post] sent: %d  read-updates: %d  errors: %d\n",
				sent.Load(), readUpdates.Load(), collector.ErrorCount())
		}
	}
	progress.Stop()
	wg.Wait()

	// Give the last echoes a moment to arrive.
	time.Sleep(time.Second)

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	var received int
	for _, c := range clients {
		for _, d := range c.EchoLatencies() {
			collector.AddMsgLatency(d)
		}
		received += c.GetMetrics().MessagesReceived
		c.Close()
	}
	fmt.Printf("Sent %d messages, received %d frames, %d read-updates\n",
		sent.Load(), received, readUpdates.Load())

	collector.Report()
}
