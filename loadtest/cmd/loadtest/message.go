package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/dm-chat/loadtest/client"
	"github.com/whisper/dm-chat/loadtest/stats"
)

// runMessage pairs the accounts up. In each pair the sender posts messages
// over the REST API while both sides hold a WebSocket session; the test
// times send-to-newMessage at the receiver and, after the receiver marks the
// conversation seen, seen-to-messagesSeen at the sender.
func runMessage(args []string) {
	fs := flag.NewFlagSet("message", flag.ExitOnError)
	var t target
	parse := t.register(fs)
	messages := fs.Int("messages", 20, "Messages per pair")
	interval := fs.Duration("interval", 500*time.Millisecond, "Delay between sends in a pair (server limit is 30 per 10s)")
	fs.Parse(args)
	parse()
	if err := t.validate(2); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(t.metricsURL, 2*time.Second)
	scraper.Start(ctx)
	collector.SetScraper(scraper)

	pairs := len(t.users) / 2
	fmt.Printf("Message test: %d pairs, %d messages each, interval %s\n", pairs, *messages, *interval)

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		senderID, receiverID := t.users[2*i], t.users[2*i+1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPair(ctx, &t, collector, senderID, receiverID, *messages, *interval)
		}()
	}
	wg.Wait()

	scraper.Stop()
	collector.Report()
}

func runPair(ctx context.Context, t *target, collector *stats.Collector, senderID, receiverID string, messages int, interval time.Duration) {
	sender, err := t.connect(ctx, senderID, collector)
	if err != nil {
		return
	}
	defer sender.Close()
	receiver, err := t.connect(ctx, receiverID, collector)
	if err != nil {
		return
	}
	defer receiver.Close()

	var mu sync.Mutex
	sent := make(map[string]time.Time) // message text -> send time
	seenAt := time.Time{}
	seenCh := make(chan struct{}, 1)

	receiver.On(client.TypeNewMessage, func(ev client.Event) {
		var msg struct {
			SenderID string `json:"senderId"`
			Text     string `json:"text"`
		}
		if json.Unmarshal(ev.Data, &msg) != nil || msg.SenderID != senderID {
			return
		}
		mu.Lock()
		start, ok := sent[msg.Text]
		delete(sent, msg.Text)
		mu.Unlock()
		if ok {
			collector.Add(stats.SeriesDelivery, time.Since(start))
		}
	})
	sender.On(client.TypeMessagesSeen, func(ev client.Event) {
		mu.Lock()
		start := seenAt
		mu.Unlock()
		if !start.IsZero() {
			collector.Add(stats.SeriesReceipt, time.Since(start))
		}
		select {
		case seenCh <- struct{}{}:
		default:
		}
	})

	for n := 0; n < messages && ctx.Err() == nil; n++ {
		text := fmt.Sprintf("loadtest %s->%s #%d %d", senderID, receiverID, n, time.Now().UnixNano())
		mu.Lock()
		sent[text] = time.Now()
		mu.Unlock()

		if err := t.api(ctx, http.MethodPost, "/api/messages/send/"+receiverID, senderID,
			map[string]string{"text": text}, nil); err != nil {
			collector.AddError("send")
		}

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	mu.Lock()
	seenAt = time.Now()
	mu.Unlock()
	var resp struct {
		Updated int64 `json:"updated"`
	}
	if err := t.api(ctx, http.MethodPut, "/api/messages/seen/"+senderID, receiverID, nil, &resp); err != nil {
		collector.AddError("seen")
		return
	}
	if resp.Updated == 0 {
		return
	}
	select {
	case <-seenCh:
	case <-time.After(5 * time.Second):
		collector.AddError("receipt")
	case <-ctx.Done():
	}

	mu.Lock()
	lost := len(sent)
	mu.Unlock()
	for i := 0; i < lost; i++ {
		collector.AddError("delivery")
	}
}
