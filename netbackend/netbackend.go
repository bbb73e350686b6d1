// Package netbackend is a settings backend that talks to a remote
// registry daemon over a gorilla/websocket connection, the way
// connect.bringyour.com's platform transport dials and authenticates
// (github.com/gorilla/websocket, github.com/golang-jwt/jwt/v5), except
// the wire payload here is JSON read/written with
// github.com/tidwall/gjson and github.com/tidwall/sjson rather than a
// generated protobuf frame.
//
// The backend keeps a local read cache fed by the daemon's push
// notifications, so Read never blocks on the network; Write and
// WriteBatch round-trip a request and wait for the daemon's ack.
package netbackend

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bringyour/settings/internal/diagnostic"
	"github.com/bringyour/settings/internal/trace"

	settings "github.com/bringyour/settings"
)

const (
	// EnvURL names the environment variable carrying the registry
	// daemon's websocket URL (e.g. "wss://registry.example/settings").
	EnvURL = "SETTINGS_NET_URL"
	// EnvToken names the environment variable carrying the bearer JWT
	// presented during the auth handshake.
	EnvToken = "SETTINGS_NET_TOKEN"
)

func init() {
	settings.RegisterBackend("net", 10, func() settings.Backend {
		url := os.Getenv(EnvURL)
		if url == "" {
			return nil
		}
		b, err := New(Settings{
			Url:   url,
			Token: os.Getenv(EnvToken),
		})
		if err != nil {
			diagnostic.Criticalf("netbackend: dial %s failed: %s", url, err)
			return nil
		}
		return b
	})
}

// Settings configures a Backend's connection to the registry daemon.
type Settings struct {
	Url              string
	Token            string
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	ReconnectTimeout time.Duration
}

// DefaultSettings returns the timeouts a Backend uses when Settings
// leaves them zero.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 2 * time.Second,
		AuthTimeout:      2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      20 * time.Second,
		ReconnectTimeout: 5 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.AuthTimeout == 0 {
		s.AuthTimeout = d.AuthTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = d.PingTimeout
	}
	if s.ReconnectTimeout == 0 {
		s.ReconnectTimeout = d.ReconnectTimeout
	}
	return s
}

// Backend is a settings store proxied through a remote registry
// daemon. It requires a live (or at least reachable) websocket
// connection to be useful; New dials and authenticates once up front
// and then reconnects in the background on any disconnect.
type Backend struct {
	settings.Base

	settings Settings

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	cache    map[string]settings.Value
	writable map[string]bool

	sendMu sync.Mutex
	conn   *websocket.Conn

	pending   sync.Map // requestId string -> chan wireMessage
	requestId atomic.Uint64
}

type wireMessage struct {
	raw []byte
}

// New dials the registry daemon at s.Url, performs the auth handshake
// with s.Token, and starts the background receive loop.
func New(s Settings) (*Backend, error) {
	s = s.withDefaults()
	if s.Url == "" {
		return nil, fmt.Errorf("netbackend: empty url")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		settings: s,
		ctx:      ctx,
		cancel:   cancel,
		cache:    map[string]settings.Value{},
		writable: map[string]bool{},
	}

	if err := b.connect(); err != nil {
		cancel()
		return nil, err
	}

	go b.reconnectLoop()

	return b, nil
}

// Close tears down the connection and stops the reconnect loop.
func (b *Backend) Close() error {
	b.cancel()
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Backend) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: b.settings.HandshakeTimeout,
	}
}

func (b *Backend) connect() error {
	conn, _, err := b.dialer().DialContext(b.ctx, b.settings.Url, nil)
	if err != nil {
		return err
	}

	authMsg, _ := sjson.Set("{}", "op", "auth")
	authMsg, _ = sjson.Set(authMsg, "token", b.authToken())

	conn.SetWriteDeadline(time.Now().Add(b.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(authMsg)); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(b.settings.AuthTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return err
	}
	if !gjson.GetBytes(reply, "ok").Bool() {
		conn.Close()
		return fmt.Errorf("netbackend: auth rejected: %s", gjson.GetBytes(reply, "error").String())
	}

	b.sendMu.Lock()
	b.conn = conn
	b.sendMu.Unlock()

	go b.receiveLoop(conn)
	go b.pingLoop(conn)

	return nil
}

// authToken parses the configured bearer token just far enough to log
// a diagnostic for a malformed JWT; the token is sent as configured
// either way, and the daemon is the authority on signature
// verification.
func (b *Backend) authToken() string {
	if b.settings.Token == "" {
		return ""
	}
	parser := gojwt.NewParser()
	if _, _, err := parser.ParseUnverified(b.settings.Token, gojwt.MapClaims{}); err != nil {
		diagnostic.Criticalf("netbackend: malformed token: %s", err)
	}
	return b.settings.Token
}

func (b *Backend) reconnectLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.sendMu.Lock()
		dead := b.conn == nil
		b.sendMu.Unlock()
		if !dead {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.settings.ReconnectTimeout):
				continue
			}
		}

		if err := b.connect(); err != nil {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.settings.ReconnectTimeout):
			}
		}
	}
}

func (b *Backend) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(b.settings.PingTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sendMu.Lock()
			if b.conn != conn {
				b.sendMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(b.settings.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			b.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *Backend) receiveLoop(conn *websocket.Conn) {
	defer func() {
		b.sendMu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.sendMu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(b.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		trace.Do("[net]message", func() {
			b.handleMessage(message)
		})
	}
}

func (b *Backend) handleMessage(message []byte) {
	op := gjson.GetBytes(message, "op").String()

	if requestId := gjson.GetBytes(message, "request_id").String(); requestId != "" {
		if ch, ok := b.pending.LoadAndDelete(requestId); ok {
			ch.(chan wireMessage) <- wireMessage{raw: message}
			return
		}
	}

	switch op {
	case "changed":
		key := gjson.GetBytes(message, "key").String()
		b.applyPush(key, message)
		settings.Changed(b, key, nil)
	case "keys_changed":
		dir := gjson.GetBytes(message, "dir").String()
		var keys []string
		for _, k := range gjson.GetBytes(message, "keys").Array() {
			keys = append(keys, k.String())
			b.applyPush(dir+k.String(), message)
		}
		settings.KeysChanged(b, dir, keys, nil)
	case "path_changed":
		dir := gjson.GetBytes(message, "dir").String()
		settings.PathChanged(b, dir, nil)
	case "writable_changed":
		key := gjson.GetBytes(message, "key").String()
		b.mu.Lock()
		b.writable[key] = gjson.GetBytes(message, "writable").Bool()
		b.mu.Unlock()
		settings.WritableChanged(b, key)
	case "path_writable_changed":
		dir := gjson.GetBytes(message, "dir").String()
		settings.PathWritableChanged(b, dir)
	default:
		diagnostic.Criticalf("netbackend: unrecognized push op %q", op)
	}
}

// applyPush updates the local read cache for key from the entry under
// key (the absolute key) in a changed/keys_changed push's "values"
// object, when present; the daemon may omit the value and expect a
// follow-up read instead.
func (b *Backend) applyPush(key string, message []byte) {
	valueResult := gjson.GetBytes(message, "values."+gjson.Escape(key))
	if !valueResult.Exists() {
		return
	}
	b.mu.Lock()
	b.cache[key] = settings.NewValue(valueResult.Value())
	b.mu.Unlock()
}

func (b *Backend) send(payload string) (wireMessage, error) {
	requestId := fmt.Sprintf("%d", b.requestId.Add(1))
	payload, _ = sjson.Set(payload, "request_id", requestId)

	ch := make(chan wireMessage, 1)
	b.pending.Store(requestId, ch)
	defer b.pending.Delete(requestId)

	b.sendMu.Lock()
	conn := b.conn
	if conn == nil {
		b.sendMu.Unlock()
		return wireMessage{}, fmt.Errorf("netbackend: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(b.settings.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, []byte(payload))
	b.sendMu.Unlock()
	if err != nil {
		return wireMessage{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(b.settings.ReadTimeout):
		return wireMessage{}, fmt.Errorf("netbackend: request timed out")
	case <-b.ctx.Done():
		return wireMessage{}, b.ctx.Err()
	}
}

// Read implements settings.Backend by consulting the local cache,
// which the receive loop keeps current from daemon push messages.
// defaultOnly has no local meaning; the daemon distinguishes user vs.
// default values in ReadUserValue instead.
func (b *Backend) Read(key string, expectedType reflect.Type, defaultOnly bool) (settings.Value, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.cache[key]
	return v, ok
}

// ReadUserValue round-trips to the daemon, since the local cache does
// not track which entries came from the user layer versus a default.
func (b *Backend) ReadUserValue(key string, expectedType reflect.Type) (settings.Value, bool) {
	req, _ := sjson.Set("{}", "op", "read_user_value")
	req, _ = sjson.Set(req, "key", key)
	reply, err := b.send(req)
	if err != nil {
		diagnostic.Criticalf("netbackend: read_user_value %q: %s", key, err)
		return settings.Value{}, false
	}
	if !gjson.GetBytes(reply.raw, "found").Bool() {
		return settings.Value{}, false
	}
	return settings.NewValue(gjson.GetBytes(reply.raw, "value").Value()), true
}

// Write implements settings.Backend via the canonical composition.
func (b *Backend) Write(key string, value settings.Value, originTag any) bool {
	return settings.DefaultWrite(b, key, value, originTag)
}

// Reset implements settings.Backend via the canonical composition.
func (b *Backend) Reset(key string, originTag any) {
	settings.DefaultReset(b, key, originTag)
}

// WriteBatch implements settings.Backend: one request carries the
// whole changeset, and the daemon's ack drives the local cache update
// and the change signal directly, synchronously, before WriteBatch
// returns — it does not wait for the daemon's own "changed"/
// "keys_changed" push to arrive back over receiveLoop, which would
// violate the contract that a successful write_batch has already
// signaled by the time it returns.
func (b *Backend) WriteBatch(cs *settings.Changeset, originTag any) bool {
	req, _ := sjson.Set("{}", "op", "write_batch")
	cs.ForEach(func(key string, value settings.Value, present bool) {
		path := "entries." + gjson.Escape(key)
		if present {
			raw, _ := value.Raw()
			req, _ = sjson.Set(req, path+".present", true)
			req, _ = sjson.SetRaw(req, path+".value", mustJSONValue(raw))
		} else {
			req, _ = sjson.Set(req, path+".present", false)
		}
	})

	reply, err := b.send(req)
	if err != nil {
		diagnostic.Criticalf("netbackend: write_batch: %s", err)
		return false
	}
	ok := gjson.GetBytes(reply.raw, "ok").Bool()
	if !ok {
		return false
	}

	b.mu.Lock()
	cs.ForEach(func(key string, value settings.Value, present bool) {
		if present {
			b.cache[key] = value
		} else {
			delete(b.cache, key)
		}
	})
	b.mu.Unlock()

	settings.ChangesetApplied(b, cs, originTag)

	return true
}

// GetWritable implements settings.Backend using the locally cached
// writability flag, refreshed by writable_changed pushes.
func (b *Backend) GetWritable(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if writable, ok := b.writable[key]; ok {
		return writable
	}
	return true
}

func mustJSONValue(v any) string {
	b, _ := sjson.Set("", "v", v)
	return gjson.Get(b, "v").Raw
}
