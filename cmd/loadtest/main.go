package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chat-relay/internal/chat"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type options struct {
	baseURL    string
	users      int
	messages   int
	audioEvery int
	interval   time.Duration
	timeout    time.Duration
}

// loadClient is one simulated participant.
type loadClient struct {
	username string
	token    string
	conn     *websocket.Conn
	received atomic.Int64
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "base", "http://localhost:3000", "server base URL")
	flag.IntVar(&opts.users, "users", 50, "concurrent users")
	flag.IntVar(&opts.messages, "messages", 20, "messages sent per user")
	flag.IntVar(&opts.audioEvery, "audio-every", 0, "send every Nth message as a binary clip (0 = text only)")
	flag.DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between messages of one user")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for broadcasts to drain")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	runID := uuid.NewString()[:8]
	log.Info("starting load test",
		zap.String("run", runID), zap.Int("users", opts.users), zap.Int("messages", opts.messages))

	api := resty.New().SetBaseURL(opts.baseURL).SetTimeout(10 * time.Second)

	// 1. Register & Login everyone
	clients := make([]*loadClient, opts.users)
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			username := fmt.Sprintf("lt_%s_%d", runID, i)
			token, err := authenticate(api, username, "password123")
			if err != nil {
				log.Warn("auth failed", zap.String("username", username), zap.Error(err))
				return
			}
			clients[i] = &loadClient{username: username, token: token}
		}(i)
	}
	wg.Wait()
	clients = compact(clients)

	// 2. Connect and start counting this run's broadcasts
	wsURL, err := websocketURL(opts.baseURL)
	if err != nil {
		log.Fatal("bad base URL", zap.Error(err))
	}
	prefix := "lt-" + runID
	readers := sync.WaitGroup{}
	connected := clients[:0]
	for _, c := range clients {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+url.QueryEscape(c.token), nil)
		if err != nil {
			log.Warn("ws connect failed", zap.String("username", c.username), zap.Error(err))
			continue
		}
		c.conn = conn
		connected = append(connected, c)

		readers.Add(1)
		go func(c *loadClient) {
			defer readers.Done()
			c.count(prefix)
		}(c)
	}
	clients = connected
	log.Info("clients connected", zap.Int("clients", len(clients)))

	// 3. Everyone sends
	start := time.Now()
	for _, c := range clients {
		wg.Add(1)
		go func(c *loadClient) {
			defer wg.Done()
			if err := c.spam(prefix, opts); err != nil {
				log.Warn("send failed", zap.String("username", c.username), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
	log.Info("all messages sent", zap.Duration("elapsed", time.Since(start)))

	// 4. Wait for the broadcasts to arrive
	expected := int64(len(clients) * opts.messages)
	deadline := time.Now().Add(opts.timeout)
	for time.Now().Before(deadline) && !allReceived(clients, expected) {
		time.Sleep(100 * time.Millisecond)
	}

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	readers.Wait()

	report(log, clients, expected, time.Since(start))
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(client *resty.Client, username, password string) (string, error) {
	creds := map[string]string{"username": username, "password": password}

	resp, err := client.R().SetBody(creds).Post("/register")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusConflict {
		return "", fmt.Errorf("register: %s", resp.Status())
	}

	var data AuthResponse
	resp, err = client.R().SetBody(creds).SetResult(&data).Post("/login")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("login: %s", resp.Status())
	}
	return data.Token, nil
}

func (c *loadClient) spam(prefix string, opts options) error {
	for i := 0; i < opts.messages; i++ {
		var err error
		if opts.audioEvery > 0 && (i+1)%opts.audioEvery == 0 {
			err = c.conn.WriteMessage(websocket.BinaryMessage, []byte(prefix))
		} else {
			err = c.conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("%s msg %d from %s", prefix, i, c.username)))
		}
		if err != nil {
			return err
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(opts.interval)
	}
	return nil
}

// count reads until the connection closes, counting frames sent during this
// run. Replayed history from earlier runs carries another prefix.
func (c *loadClient) count(prefix string) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			if strings.Contains(string(data), prefix) {
				c.received.Add(1)
			}
		case websocket.BinaryMessage:
			if _, audio, err := chat.DecodeAudio(data); err == nil && string(audio) == prefix {
				c.received.Add(1)
			}
		}
	}
}

func allReceived(clients []*loadClient, expected int64) bool {
	for _, c := range clients {
		if c.received.Load() < expected {
			return false
		}
	}
	return true
}

func report(log *zap.Logger, clients []*loadClient, expected int64, elapsed time.Duration) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"User", "Received", "Expected", "Missing"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	var total, short int64
	for _, c := range clients {
		n := c.received.Load()
		total += n
		if n < expected {
			short++
			table.Append([]string{c.username, strconv.FormatInt(n, 10), strconv.FormatInt(expected, 10), strconv.FormatInt(expected-n, 10)})
		}
	}
	if short > 0 {
		table.Render()
	}

	log.Info("load test complete",
		zap.Int("clients", len(clients)),
		zap.Int64("expected_per_client", expected),
		zap.Int64("total_received", total),
		zap.Int64("clients_short", short),
		zap.Duration("elapsed", elapsed))
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func compact(clients []*loadClient) []*loadClient {
	out := clients[:0]
	for _, c := range clients {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
