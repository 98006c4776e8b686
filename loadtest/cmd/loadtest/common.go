package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/dm-chat/loadtest/client"
	"github.com/whisper/dm-chat/loadtest/stats"
)

// target holds the flags shared by every scenario.
type target struct {
	wsURL      string
	apiURL     string
	metricsURL string
	secret     string
	users      []string
}

func (t *target) register(fs *flag.FlagSet) func() {
	base := fs.String("server", "http://localhost:8080", "server base URL")
	secret := fs.String("secret", "", "JWT_SECRET of the server")
	users := fs.String("users", "", "comma-separated ids of existing accounts")
	return func() {
		b := strings.TrimRight(*base, "/")
		t.apiURL = b
		t.metricsURL = b + "/metrics"
		t.wsURL = "ws" + strings.TrimPrefix(b, "http") + "/ws"
		t.secret = *secret
		for _, u := range strings.Split(*users, ",") {
			if u = strings.TrimSpace(u); u != "" {
				t.users = append(t.users, u)
			}
		}
	}
}

func (t *target) validate(minUsers int) error {
	if t.secret == "" {
		return fmt.Errorf("-secret is required")
	}
	if len(t.users) < minUsers {
		return fmt.Errorf("-users needs at least %d account ids", minUsers)
	}
	return nil
}

// connect opens an authenticated connection for userID and waits for the
// session:created handshake.
func (t *target) connect(ctx context.Context, userID string, collector *stats.Collector) (*client.Client, error) {
	token, err := client.Token(t.secret, userID, time.Hour)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, t.wsURL, userID, token)
	if err != nil {
		collector.AddError("dial")
		return nil, err
	}
	if err := c.WaitForSession(connCtx); err != nil {
		collector.AddError("handshake")
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c, nil
}

// api performs an authenticated REST call and decodes the JSON response
// into out when it is non-nil.
func (t *target) api(ctx context.Context, method, path, userID string, body, out interface{}) error {
	token, err := client.Token(t.secret, userID, time.Hour)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, t.apiURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}
