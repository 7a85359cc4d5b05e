package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat/internal/user"
)

type options struct {
	baseURL  string
	pairs    int
	messages int
	interval time.Duration
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	var opts options
	secret := flag.String("secret", "", "JWT secret shared with the server")
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&opts.pairs, "pairs", 50, "number of user pairs")
	flag.IntVar(&opts.messages, "messages", 20, "messages sent per user")
	flag.DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between messages")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	if *secret == "" {
		log.Fatal("-secret is required")
	}
	tokens := user.NewService(*secret, time.Hour)

	log.Info("starting load test", zap.Int("users", opts.pairs*2), zap.Int("messages_each", opts.messages))
	start := time.Now()

	var st stats
	var wg sync.WaitGroup
	// Pairs: user A opens a direct conversation with user B and both spam it.
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(opts, tokens, pairID, &st, log); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", zap.Int("pair", pairID), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("received", st.received.Load()),
		zap.Int64("failed_pairs", st.failed.Load()))
}

func runPair(opts options, tokens *user.Service, pairID int, st *stats, log *zap.Logger) error {
	idA, idB := uuid.NewString(), uuid.NewString()
	tokenA, err := tokens.IssueToken(idA, fmt.Sprintf("u_%d_a", pairID))
	if err != nil {
		return err
	}
	tokenB, err := tokens.IssueToken(idB, fmt.Sprintf("u_%d_b", pairID))
	if err != nil {
		return err
	}

	// B must have been seen by the server before A can address them.
	if err := call(opts.baseURL, http.MethodGet, "/api/me", tokenB, nil, nil); err != nil {
		return fmt.Errorf("register B: %w", err)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := call(opts.baseURL, http.MethodPost, "/api/conversations", tokenA, map[string]string{"target_id": idB}, &conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go spamChat(&wg, opts, tokenA, conv.ID, st, log)
	go spamChat(&wg, opts, tokenB, conv.ID, st, log)
	wg.Wait()
	return nil
}

func call(baseURL, method, path, token string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func wsURL(baseURL, conversationID, token string) string {
	base := strings.Replace(baseURL, "http", "ws", 1)
	return fmt.Sprintf("%s/ws/%s?token=%s", base, conversationID, url.QueryEscape(token))
}

func spamChat(wg *sync.WaitGroup, opts options, token, conversationID string, st *stats, log *zap.Logger) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(opts.baseURL, conversationID, token), nil)
	if err != nil {
		log.Warn("websocket connect", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain events so the server never sees us as a slow consumer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			st.received.Add(1)
		}
	}()

	for i := 0; i < opts.messages; i++ {
		msg := map[string]any{
			"type":    "message",
			"content": fmt.Sprintf("LoadTest Msg %d", i),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn("send", zap.Error(err))
			break
		}
		st.sent.Add(1)
		time.Sleep(opts.interval)
	}

	// Give the last broadcasts a moment to arrive before hanging up.
	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
