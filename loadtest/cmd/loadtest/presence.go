package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/dm-chat/loadtest/client"
	"github.com/whisper/dm-chat/loadtest/stats"
)

// runPresence connects a watcher as the first account, then brings every
// other account online and offline in turn and times how long the watcher
// takes to see each user:online and user:offline delta.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	var t target
	parse := t.register(fs)
	rounds := fs.Int("rounds", 3, "Online/offline cycles per user")
	concurrency := fs.Int("concurrency", 20, "Users cycling at the same time")
	fs.Parse(args)
	parse()
	if err := t.validate(2); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	watcherID, peers := t.users[0], t.users[1:]

	var mu sync.Mutex
	pending := make(map[string]chan struct{}) // event:userId -> signal

	expect := func(key string) chan struct{} {
		ch := make(chan struct{})
		mu.Lock()
		pending[key] = ch
		mu.Unlock()
		return ch
	}
	fire := func(key string) {
		mu.Lock()
		ch, ok := pending[key]
		delete(pending, key)
		mu.Unlock()
		if ok {
			close(ch)
		}
	}

	watcher, err := t.connect(ctx, watcherID, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watcher connect: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()

	watcher.On(client.TypeUserOnline, func(ev client.Event) {
		var id string
		if json.Unmarshal(ev.Data, &id) == nil {
			fire("online:" + id)
		}
	})
	watcher.On(client.TypeUserOffline, func(ev client.Event) {
		var msg struct {
			UserID string `json:"userId"`
		}
		if json.Unmarshal(ev.Data, &msg) == nil {
			fire("offline:" + msg.UserID)
		}
	})

	fmt.Printf("Presence test: watcher=%s peers=%d rounds=%d\n", watcherID, len(peers), *rounds)

	wait := func(ch chan struct{}) (time.Duration, bool) {
		start := time.Now()
		select {
		case <-ch:
			return time.Since(start), true
		case <-time.After(5 * time.Second):
			return 0, false
		case <-ctx.Done():
			return 0, false
		}
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			for r := 0; r < *rounds && ctx.Err() == nil; r++ {
				online := expect("online:" + peer)
				start := time.Now()
				c, err := t.connect(ctx, peer, collector)
				if err != nil {
					return
				}
				if _, ok := wait(online); ok {
					collector.Add(stats.SeriesPresence, time.Since(start))
				} else {
					collector.AddError("online")
				}

				offline := expect("offline:" + peer)
				c.Close()
				if d, ok := wait(offline); ok {
					collector.Add("Presence (close to peer user:offline)", d)
				} else {
					collector.AddError("offline")
				}
			}
		}()
	}
	wg.Wait()

	collector.Report()
}
