package scraper

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/apexcomponents/andonstack/agent/internal/config"
	"github.com/apexcomponents/andonstack/pkg/types"
)

const (
	mqttRetryMin = time.Second
	mqttRetryMax = 30 * time.Second
)

// mqttSource subscribes to a broker topic whose messages carry JSON readings.
type mqttSource struct {
	src    config.Source
	dialer func(ctx context.Context) (net.Conn, error)

	// machineLevel is the topic level matched by the filter's first '+'
	// wildcard, used as machine ID when the payload has none. -1 if the
	// filter has no '+'.
	machineLevel int
}

func newMQTTSource(src config.Source) (*mqttSource, error) {
	u, err := url.Parse(src.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("scraper %q: broker url: %w", src.ID, err)
	}

	var tlsCfg *tls.Config
	port := "1883"
	switch u.Scheme {
	case "tcp", "mqtt":
	case "ssl", "tls", "mqtts":
		if tlsCfg, err = buildTLSConfig(src); err != nil {
			return nil, fmt.Errorf("scraper %q: %w", src.ID, err)
		}
		tlsCfg.ServerName = u.Hostname()
		port = "8883"
	default:
		return nil, fmt.Errorf("scraper %q: unsupported broker scheme %q", src.ID, u.Scheme)
	}
	if u.Port() != "" {
		port = u.Port()
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	s := &mqttSource{src: src, machineLevel: wildcardLevel(src.Topic)}
	s.dialer = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		if tlsCfg == nil {
			return d.DialContext(ctx, "tcp", addr)
		}
		td := tls.Dialer{NetDialer: &d, Config: tlsCfg}
		return td.DialContext(ctx, "tcp", addr)
	}
	return s, nil
}

func (s *mqttSource) ID() string { return s.src.ID }

// Run keeps a broker session open, reconnecting with doubling delays until
// ctx is cancelled.
func (s *mqttSource) Run(ctx context.Context, emit Emit) error {
	wait := mqttRetryMin
	for {
		start := time.Now()
		err := s.session(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		// A session that stayed up for a while resets the delay.
		if time.Since(start) > mqttRetryMax {
			wait = mqttRetryMin
		}
		slog.Warn("scraper: mqtt session ended, will reconnect",
			"source", s.src.ID, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if wait *= 2; wait > mqttRetryMax {
			wait = mqttRetryMax
		}
	}
}

// session runs one connect-subscribe-receive cycle.
func (s *mqttSource) session(ctx context.Context, emit Emit) error {
	conn, err := s.dialer(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	failed := make(chan error, 1)
	report := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	c := paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: s.src.EffectiveClientID(),
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.handle(pr.Packet, emit)
				return true, nil
			},
		},
		OnClientError: report,
		OnServerDisconnect: func(d *paho.Disconnect) {
			report(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	if _, err := c.Connect(ctx, s.connectPacket()); err != nil {
		conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	slog.Info("scraper: mqtt connected", "source", s.src.ID, "topic", s.src.Topic)

	sub := &paho.Subscribe{Subscriptions: []paho.SubscribeOptions{{Topic: s.src.Topic, QoS: s.src.QoS}}}
	if _, err := c.Subscribe(ctx, sub); err != nil {
		_ = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("subscribe %q: %w", s.src.Topic, err)
	}

	select {
	case <-ctx.Done():
		_ = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return nil
	case err := <-failed:
		conn.Close()
		return err
	}
}

func (s *mqttSource) connectPacket() *paho.Connect {
	cp := &paho.Connect{
		ClientID:   s.src.EffectiveClientID(),
		KeepAlive:  config.DefaultMQTTKeepAlive,
		CleanStart: true,
	}
	if s.src.Auth.Mode == "basic" {
		cp.Username = s.src.Auth.Username
		cp.UsernameFlag = true
		if pw := s.src.Auth.Password(); pw != "" {
			cp.Password = []byte(pw)
			cp.PasswordFlag = true
		}
	}
	return cp
}

// handle decodes one message and emits its records. Bad messages are logged
// and dropped; they never end the session.
func (s *mqttSource) handle(p *paho.Publish, emit Emit) {
	recs, err := decodeMessage(p.Topic, p.Payload, s.machineLevel, time.Now().UTC())
	if err != nil {
		slog.Warn("scraper: bad mqtt message", "source", s.src.ID, "topic", p.Topic, "err", err)
		return
	}
	for _, r := range recs {
		emit(r)
	}
}

// wireReading is the JSON shape published on the broker. State accepts the
// gateway aliases understood by types.ParseState.
type wireReading struct {
	MachineID string             `json:"machine_id"`
	Timestamp json.RawMessage    `json:"timestamp"`
	State     string             `json:"state"`
	Sensors   map[string]float64 `json:"sensors"`
	Quality   string             `json:"quality"`
	Anomaly   *bool              `json:"anomaly"`
	RULHours  *float64           `json:"rul_hours"`
}

// knownFields are excluded when top-level numbers are read as sensors.
var knownFields = map[string]bool{
	"machine_id": true, "timestamp": true, "state": true, "sensors": true,
	"quality": true, "anomaly": true, "rul_hours": true,
}

// decodeMessage turns a payload holding one reading or an array of readings
// into records. A reading without a sensors object has its top-level numeric
// fields taken as sensors.
func decodeMessage(topic string, payload []byte, machineLevel int, now time.Time) ([]types.TelemetryRecord, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}

	var raws []json.RawMessage
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &raws); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
	} else {
		raws = []json.RawMessage{payload}
	}

	out := make([]types.TelemetryRecord, 0, len(raws))
	for i, raw := range raws {
		rec, err := decodeReading(raw, topicMachine(topic, machineLevel), now)
		if err != nil {
			return nil, fmt.Errorf("reading %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeReading(raw json.RawMessage, fallbackID string, now time.Time) (types.TelemetryRecord, error) {
	var w wireReading
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.TelemetryRecord{}, fmt.Errorf("decode: %w", err)
	}
	st, err := types.ParseState(w.State)
	if err != nil {
		return types.TelemetryRecord{}, err
	}
	ts, err := parseTimestamp(w.Timestamp, now)
	if err != nil {
		return types.TelemetryRecord{}, err
	}

	rec := types.TelemetryRecord{
		MachineID: w.MachineID,
		Timestamp: ts,
		State:     st,
		Sensors:   w.Sensors,
		Quality:   strings.ToLower(w.Quality),
		Anomaly:   w.Anomaly,
		RULHours:  w.RULHours,
	}
	if rec.MachineID == "" {
		rec.MachineID = fallbackID
	}
	if rec.Sensors == nil {
		var flat map[string]interface{}
		if err := json.Unmarshal(raw, &flat); err == nil {
			for k, v := range flat {
				if f, ok := v.(float64); ok && !knownFields[k] {
					if rec.Sensors == nil {
						rec.Sensors = make(map[string]float64)
					}
					rec.Sensors[k] = f
				}
			}
		}
	}
	return rec, rec.Validate()
}

// parseTimestamp accepts RFC 3339 strings or unix seconds. Missing means now.
func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return ts.UTC(), nil
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
}

func wildcardLevel(filter string) int {
	for i, lvl := range strings.Split(filter, "/") {
		if lvl == "+" {
			return i
		}
	}
	return -1
}

func topicMachine(topic string, level int) string {
	if level < 0 {
		return ""
	}
	parts := strings.Split(topic, "/")
	if level >= len(parts) {
		return ""
	}
	return parts[level]
}
