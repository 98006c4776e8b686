package main

import (
	"context"
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

// pool is the set of clients opened by a saturate run.
type pool struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (p *pool) add(c *client.Client) {
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

// alive counts clients whose read loop has not failed.
func (p *pool) alive() (alive, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c.GetMetrics().Errors == 0 {
			alive++
		}
	}
	return alive, len(p.clients)
}

func (p *pool) closeAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	return len(p.clients)
}

// runSaturate opens the requested number of authenticated connections,
// ramping up over a configurable duration, then holds them open while the
// heartbeat runs. Connections are spread round-robin over the given
// accounts, so most users end up with several concurrent sessions.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	var t target
	parse := t.register(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	scrape := fs.Bool("scrape", true, "Scrape server metrics during the test")
	fs.Parse(args)
	parse()
	if err := t.validate(1); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections for %d users to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, len(t.users), t.wsURL, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if *scrape {
		scraper = stats.NewScraper(t.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		collector.SetScraper(scraper)
	}

	var p pool
	if ramp(ctx, &t, &p, collector, *connections, *rampUp, *concurrency) {
		holdOpen(ctx, &t, &p, *hold)
	}

	fmt.Printf("\nClosing %d connections...\n", p.closeAll())
	if scraper != nil {
		// One more interval so the last snapshot includes the offline
		// transitions.
		time.Sleep(2 * time.Second)
		scraper.Stop()
	}
	collector.Report()
}

// ramp launches connections evenly over the ramp duration. It returns false
// when interrupted.
func ramp(ctx context.Context, t *target, p *pool, collector *stats.Collector, n int, over time.Duration, concurrency int) bool {
	fmt.Println("\n--- Ramp-up phase ---")

	interval := over / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	progress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case <-progress:
				return
			case now := <-ticker.C:
				conns := collector.ConnectionCount()
				rate := float64(conns-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, n, collector.ErrorCount(), rate)
				last, lastAt = conns, now
			}
		}
	}()

	start := time.Now()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	completed := true

launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			completed = false
			break launch
		case <-ticker.C:
		}

		userID := t.users[i%len(t.users)]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if c, err := t.connect(ctx, userID, collector); err == nil {
				p.add(c)
			}
		}()
	}
	ticker.Stop()
	wg.Wait()
	close(progress)

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return completed
}

// holdOpen keeps the pool open and every five seconds reports dropped
// connections and whether the first account still reads as online through
// the presence endpoint.
func holdOpen(ctx context.Context, t *target, p *pool, d time.Duration) {
	_, initial := p.alive()
	fmt.Printf("\n--- Hold phase ---\nHolding %d connections for %s...\n", initial, d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-status.C:
			alive, total := p.alive()
			var st struct {
				Online bool `json:"online"`
			}
			online := "?"
			if err := t.api(ctx, http.MethodGet, "/api/presence/"+t.users[0], t.users[0], nil, &st); err == nil {
				online = fmt.Sprint(st.Online)
			}
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d  %s online: %s\n",
				alive, total, total-alive, t.users[0], online)
		}
	}
}
