package mqtt

import (
	"sort"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type stubToken struct{ err error }

func (t stubToken) Wait() bool                     { return true }
func (t stubToken) WaitTimeout(time.Duration) bool { return true }
func (t stubToken) Error() error                   { return t.err }
func (t stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeBroker stands in for the paho client and records subscriptions.
type fakeBroker struct {
	mu           sync.Mutex
	topics       []string
	disconnected bool
}

func (f *fakeBroker) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()
	return stubToken{}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeBroker) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.topics...)
	sort.Strings(out)
	return out
}

func (f *fakeBroker) IsConnected() bool      { return true }
func (f *fakeBroker) IsConnectionOpen() bool { return true }
func (f *fakeBroker) Connect() paho.Token    { return stubToken{} }
func (f *fakeBroker) Publish(string, byte, bool, interface{}) paho.Token {
	return stubToken{}
}
func (f *fakeBroker) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return stubToken{}
}
func (f *fakeBroker) Unsubscribe(...string) paho.Token     { return stubToken{} }
func (f *fakeBroker) AddRoute(string, paho.MessageHandler) {}
func (f *fakeBroker) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func newTestClient(broker *fakeBroker) *Client {
	return &Client{cli: broker, subs: make(map[string]Handler)}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	broker := &fakeBroker{}
	c := newTestClient(broker)
	c.setConnected(true)

	noop := func(Message) {}
	if err := c.Subscribe("sensors/telemetry/#", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Subscribe("sensors/announce/#", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Broker restart: connection drops, then the OnConnect hook fires against
	// the fresh session and must restore every registered topic.
	c.setConnected(false)
	if got := c.Status(); got != StatusOffline {
		t.Fatalf("expected offline after connection loss, got %q", got)
	}

	fresh := &fakeBroker{}
	c.setConnected(true)
	c.resubscribe(fresh)

	if got := c.Status(); got != StatusOnline {
		t.Fatalf("expected online after reconnect, got %q", got)
	}
	want := []string{"sensors/announce/#", "sensors/telemetry/#"}
	got := fresh.subscribed()
	if len(got) != len(want) {
		t.Fatalf("expected %d restored topics, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected restored topics %v, got %v", want, got)
		}
	}
}

func TestCloseGoesOfflineAndDisconnects(t *testing.T) {
	broker := &fakeBroker{}
	c := newTestClient(broker)
	c.setConnected(true)

	c.Close()
	if got := c.Status(); got != StatusOffline {
		t.Fatalf("expected offline after close, got %q", got)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if !broker.disconnected {
		t.Fatal("expected underlying client to be disconnected")
	}
}

func TestBrokerAddr(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"mosquitto:1883", "tcp://mosquitto:1883"},
		{"tcp://mosquitto:1883", "tcp://mosquitto:1883"},
		{"mqtt://mosquitto:1883", "tcp://mosquitto:1883"},
		{"ssl://mosquitto:8883", "ssl://mosquitto:8883"},
		{"wss://broker.example.com:443/mqtt", "wss://broker.example.com:443/mqtt"},
	}
	for _, tc := range cases {
		_, got, err := brokerAddr(tc.in)
		if err != nil {
			t.Fatalf("brokerAddr(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("brokerAddr(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
