package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Status values exposed to the query service.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Message interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

type Handler func(Message)

// Client wraps the paho client. Reconnection is managed: paho retries the
// initial connect and reconnects with bounded exponential backoff, and the
// OnConnect hook re-subscribes every registered topic so a broker restart
// needs no manual intervention.
type Client struct {
	cli paho.Client

	mu        sync.RWMutex
	connected bool
	subs      map[string]Handler
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// brokerAddr normalizes a broker URL to the address form paho dials. A bare
// host:port gets the tcp scheme; url.Parse would otherwise read the host as
// the scheme and leave the address empty.
func brokerAddr(raw string) (*url.URL, string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", err
	}
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	return u, server, nil
}

func Connect(o Options) (*Client, error) {
	u, server, err := brokerAddr(o.BrokerURL)
	if err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(server)

	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = "sensor-monitor-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)

	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	} else if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)

	c := &Client{subs: make(map[string]Handler)}
	opts.OnConnect = func(pc paho.Client) {
		slog.Info("mqtt connected", "broker", o.BrokerURL, "client_id", clientID)
		c.setConnected(true)
		c.resubscribe(pc)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
		c.setConnected(false)
	}

	c.cli = paho.NewClient(opts)
	tok := c.cli.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		if err := tok.Error(); err != nil {
			return nil, err
		}
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

// Subscribe registers handler for topic and keeps the registration so the
// OnConnect hook can restore it after a reconnect.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	tok := c.cli.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg)
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

// Status returns "online" or "offline" for the status endpoint.
func (c *Client) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connected {
		return StatusOnline
	}
	return StatusOffline
}

// Close disconnects, allowing quiesce for in-flight work to drain.
func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.setConnected(false)
	c.cli.Disconnect(1000)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) resubscribe(pc paho.Client) {
	c.mu.RLock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		h := handler
		tok := pc.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
			h(msg)
		})
		tok.Wait()
		if err := tok.Error(); err != nil {
			slog.Error("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}
