package linkmux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/signal.control/internal/monitoring"
)

var logf = monitoring.Component("linkmux")

const (
	DefaultMQTTPort        = "1883"
	DefaultMQTTSPort       = "8883"
	DefaultMQTTConnTimeout = 5 * time.Second
)

// MQTTConfig describes a broker link.
type MQTTConfig struct {
	// Broker is a paho server URL, e.g. tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// Filters are subscribed on every (re)connect.
	Filters        []string
	ConnectTimeout time.Duration
	// PublishTimeout bounds Send. SendContext uses the earlier of it and
	// ctx's deadline.
	PublishTimeout time.Duration
}

// ParseMQTTURL reads mqtt://[user[:pass]@]host[:port][?client_id=..&qos=..]
// into a config. mqtts:// selects TLS.
func ParseMQTTURL(spec string, filters []string) (MQTTConfig, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return MQTTConfig{}, fmt.Errorf("invalid MQTT link %q: %w", spec, err)
	}

	var scheme, port string
	switch u.Scheme {
	case "mqtt":
		scheme, port = "tcp", DefaultMQTTPort
	case "mqtts":
		scheme, port = "ssl", DefaultMQTTSPort
	default:
		return MQTTConfig{}, fmt.Errorf("invalid MQTT link %q: scheme must be mqtt or mqtts", spec)
	}
	if u.Hostname() == "" {
		return MQTTConfig{}, fmt.Errorf("invalid MQTT link %q: missing host", spec)
	}
	if u.Port() != "" {
		port = u.Port()
	}

	cfg := MQTTConfig{
		Broker:         scheme + "://" + net.JoinHostPort(u.Hostname(), port),
		ClientID:       u.Query().Get("client_id"),
		Filters:        filters,
		ConnectTimeout: DefaultMQTTConnTimeout,
		PublishTimeout: DefaultWriteTimeout,
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "signald-" + randomID()
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if q := u.Query().Get("qos"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 || n > 2 {
			return MQTTConfig{}, fmt.Errorf("invalid MQTT qos %q: must be 0, 1 or 2", q)
		}
		cfg.QoS = byte(n)
	}
	return cfg, nil
}

// mqttClient is the part of mqtt.Client the link uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token
}

// MQTTLink is a LinkMux over an MQTT broker. Each message becomes the line
// "<topic> <payload>"; Send splits a line back into topic and payload.
type MQTTLink struct {
	*hub
	client  mqttClient
	cfg     MQTTConfig
	filters map[string]byte
	closing atomic.Bool
	done    chan struct{}

	linesIn  atomic.Uint64
	linesOut atomic.Uint64
	oversize atomic.Uint64
}

func newMQTTLink(cfg MQTTConfig) *MQTTLink {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMQTTConnTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultWriteTimeout
	}
	filters := make(map[string]byte, len(cfg.Filters))
	for _, f := range cfg.Filters {
		filters[f] = cfg.QoS
	}
	return &MQTTLink{
		hub:     newHub(),
		cfg:     cfg,
		filters: filters,
		done:    make(chan struct{}),
	}
}

// NewMQTTLink connects to the broker. The client reconnects on its own and
// resubscribes after every connect.
func NewMQTTLink(ctx context.Context, cfg MQTTConfig) (*MQTTLink, error) {
	l := newMQTTLink(cfg)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(l.cfg.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) { l.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logf("MQTT connection to %s lost: %v", cfg.Broker, err)
		})
	l.client = mqtt.NewClient(opts)
	if err := l.connect(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *MQTTLink) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	if err := waitToken(ctx, l.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", l.cfg.Broker, err)
	}
	logf("connected to MQTT broker %s as %s", l.cfg.Broker, l.cfg.ClientID)
	return nil
}

// onConnect subscribes the filters. It runs on the client's goroutine, so
// the token is awaited elsewhere.
func (l *MQTTLink) onConnect() {
	if len(l.filters) == 0 {
		return
	}
	tok := l.client.SubscribeMultiple(l.filters, l.onMessage)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
		defer cancel()
		if err := waitToken(ctx, tok); err != nil {
			logf("MQTT subscribe %v failed: %v", l.cfg.Filters, err)
		}
	}()
}

func (l *MQTTLink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if l.closing.Load() {
		return
	}
	line, ok := messageLine(msg.Topic(), msg.Payload())
	if !ok {
		l.oversize.Add(1)
		return
	}
	l.linesIn.Add(1)
	l.fanOut(line)
}

// messageLine renders one message as a link line. Multi-line JSON payloads
// are compacted. It reports false for lines over MaxLineBytes.
func messageLine(topic string, payload []byte) (string, bool) {
	payload = bytes.TrimSpace(payload)
	if bytes.ContainsAny(payload, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err == nil {
			payload = buf.Bytes()
		} else {
			payload = bytes.Join(bytes.Fields(payload), []byte(" "))
		}
	}
	line := topic
	if len(payload) > 0 {
		line += " " + string(payload)
	}
	if len(line) > MaxLineBytes {
		return "", false
	}
	return line, true
}

// Send publishes one line. See SendContext.
func (l *MQTTLink) Send(line string) error {
	return l.SendContext(context.Background(), line)
}

// SendContext publishes line's payload on its topic and waits for the
// client to accept it, giving up when ctx ends or PublishTimeout passes.
func (l *MQTTLink) SendContext(ctx context.Context, line string) error {
	if l.closing.Load() {
		return ErrClosed
	}
	line = strings.TrimSpace(line)
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("line must not contain embedded newlines: %q", line)
	}
	topic, payload, _ := strings.Cut(line, " ")
	if topic == "" {
		return fmt.Errorf("line has no topic: %q", line)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.PublishTimeout)
	defer cancel()
	if err := waitToken(ctx, l.client.Publish(topic, l.cfg.QoS, false, []byte(payload))); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	l.linesOut.Add(1)
	return nil
}

// Monitor blocks until ctx is done or the link is closed. Messages arrive
// through the client's subscription callback.
func (l *MQTTLink) Monitor(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return nil
	}
}

// Close disconnects from the broker and closes every subscriber. It is safe
// to call more than once.
func (l *MQTTLink) Close() error {
	if l.closing.Swap(true) {
		return nil
	}
	l.closeAll()
	close(l.done)
	if l.client != nil {
		l.client.Disconnect(250)
	}
	return nil
}

func (l *MQTTLink) Stats() Stats {
	return Stats{
		LinesIn:  l.linesIn.Load(),
		LinesOut: l.linesOut.Load(),
		Dropped:  l.dropped.Load(),
		Oversize: l.oversize.Load(),
	}
}

func (l *MQTTLink) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, l)
}

var errTokenTimeout = errors.New("timed out waiting for broker")

// waitToken waits for a paho token, returning its error or ctx's.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errTokenTimeout, ctx.Err())
	}
}
