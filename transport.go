package crewdeck

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channels
// ============================================================================

// ChannelKind names one of the three socket namespaces.
type ChannelKind string

const (
	ChannelMessages      ChannelKind = "messages"
	ChannelNotifications ChannelKind = "notifications"
	ChannelConversations ChannelKind = "conversations"
)

func (k ChannelKind) namespace() string { return "/" + string(k) }

// ChannelState represents the connection state of one channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// Envelope is the wire format for all channel traffic, both directions.
// Room and Seq are optional server-side annotations on pushes; when Seq is
// present the channel checks per-room continuity and logs gaps, but events
// are always applied in delivery order.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Room    string          `json:"room,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

type outEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// ChannelConfig configures every channel a registry opens.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// dispatcher delivers pushes to registered handlers synchronously, on the
// channel's read loop. Synchronous delivery is what preserves the per-room
// ordering guarantee the synchronizers rely on.
type dispatcher struct {
	mu           sync.RWMutex
	nextID       int
	handlers     map[string]map[int]EventHandler
	connected    map[int]func(transport string)
	disconnected map[int]func(reason string)
	reconnecting map[int]func(attempt int, delay time.Duration)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers:     make(map[string]map[int]EventHandler),
		connected:    make(map[int]func(string)),
		disconnected: make(map[int]func(string)),
		reconnecting: make(map[int]func(int, time.Duration)),
	}
}

func (d *dispatcher) on(event string, h EventHandler) (off func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]EventHandler)
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		delete(d.handlers[event], id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) dispatch(env *Envelope) {
	d.mu.RLock()
	hs := make([]EventHandler, 0, len(d.handlers[env.Event]))
	for _, h := range d.handlers[env.Event] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(env.Event, env.Payload)
	}
}

func (d *dispatcher) onConnected(h func(transport string)) (off func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.connected[id] = h
	return func() {
		d.mu.Lock()
		delete(d.connected, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) onDisconnected(h func(reason string)) (off func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.disconnected[id] = h
	return func() {
		d.mu.Lock()
		delete(d.disconnected, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) onReconnecting(h func(attempt int, delay time.Duration)) (off func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.reconnecting[id] = h
	return func() {
		d.mu.Lock()
		delete(d.reconnecting, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) emitConnected(transport string) {
	d.mu.RLock()
	hs := make([]func(string), 0, len(d.connected))
	for _, h := range d.connected {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(transport)
	}
}

func (d *dispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	hs := make([]func(string), 0, len(d.disconnected))
	for _, h := range d.disconnected {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(reason)
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	hs := make([]func(int, time.Duration), 0, len(d.reconnecting))
	for _, h := range d.reconnecting {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(attempt, delay)
	}
}

// ============================================================================
// Frame transports
// ============================================================================

// frameConn is one live bidirectional connection: WebSocket preferred, HTTP
// fallback (SSE receive stream paired with a POST emit endpoint).
type frameConn interface {
	readEnvelope(ctx context.Context) (*Envelope, error)
	writeEnvelope(ctx context.Context, event string, payload any) error
	close(reason string) error
	name() string
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) readEnvelope(ctx context.Context) (*Envelope, error) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue // unparseable frame, skip
		}
		return &env, nil
	}
}

func (w *wsConn) writeEnvelope(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(outEnvelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

func (w *wsConn) name() string { return "websocket" }

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	emitURL string
	token   string
	client  *http.Client
}

func (s *sseConn) readEnvelope(ctx context.Context) (*Envelope, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := s.scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil || env.Event == "" {
			continue
		}
		return &env, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseConn) writeEnvelope(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(outEnvelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.emitURL, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("emit %s: HTTP %d", event, resp.StatusCode)
	}
	return nil
}

func (s *sseConn) close(string) error {
	return s.body.Close()
}

func (s *sseConn) name() string { return "sse" }

// ============================================================================
// Channel
// ============================================================================

// Channel is one authenticated bidirectional connection to a namespace.
// Room subscriptions are layered on top: being connected without being
// joined to any room is a valid state, and only joined rooms receive pushes.
type Channel struct {
	kind    ChannelKind
	baseURL string
	config  *ChannelConfig
	logger  *zap.Logger

	mu               sync.Mutex
	token            string
	conn             frameConn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	rooms            map[string]struct{}
	lastSeq          map[string]int64

	dispatcher *dispatcher
	recon      *reconnector
}

func newChannel(kind ChannelKind, baseURL string, config *ChannelConfig) *Channel {
	return &Channel{
		kind:       kind,
		baseURL:    baseURL,
		config:     config,
		token:      config.Token,
		logger:     config.Logger.With(zap.String("channel", string(kind))),
		state:      StateDisconnected,
		rooms:      make(map[string]struct{}),
		lastSeq:    make(map[string]int64),
		dispatcher: newDispatcher(),
		recon:      newReconnector(config),
	}
}

// Kind returns the channel's namespace kind.
func (c *Channel) Kind() ChannelKind { return c.kind }

// setToken replaces the token used for future handshakes. The live session,
// if any, keeps its authentication.
func (c *Channel) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Channel) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a generic push handler. Handlers run on the read loop in
// delivery order; the returned func detaches the handler.
func (c *Channel) On(event string, h EventHandler) (off func()) {
	return c.dispatcher.on(event, h)
}

// OnConnected registers a lifecycle handler; transport is "websocket" or
// "sse".
func (c *Channel) OnConnected(h func(transport string)) (off func()) {
	return c.dispatcher.onConnected(h)
}

// OnDisconnected registers a lifecycle handler for unintentional drops.
func (c *Channel) OnDisconnected(h func(reason string)) (off func()) {
	return c.dispatcher.onDisconnected(h)
}

// OnReconnecting registers a lifecycle handler fired before each backoff
// sleep.
func (c *Channel) OnReconnecting(h func(attempt int, delay time.Duration)) (off func()) {
	return c.dispatcher.onReconnecting(h)
}

// Connect establishes the connection. Idempotent: a connected or connecting
// channel returns immediately. The bearer token travels in the handshake
// (an auth frame on WebSocket, the Authorization header on the fallback),
// never in the URL, and the channel is live only after the server
// acknowledges with an authenticated event.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	c.recon.markConnected()

	c.logger.Info("channel connected", zap.String("transport", conn.name()))
	c.dispatcher.emitConnected(conn.name())

	// Re-establish room subscriptions lost with the previous socket.
	for _, room := range rooms {
		if err := conn.writeEnvelope(ctx, eventJoinRoom, roomPayload{Room: room}); err != nil {
			c.logger.Warn("room rejoin failed", zap.String("room", room), zap.Error(err))
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	return nil
}

// dial opens the preferred WebSocket transport and falls back to the HTTP
// transport when the dial fails. Both paths complete the auth handshake.
func (c *Channel) dial(ctx context.Context) (frameConn, error) {
	ws, wsErr := c.dialWebSocket(ctx)
	if wsErr == nil {
		return ws, nil
	}
	c.logger.Warn("websocket dial failed, trying fallback", zap.Error(wsErr))

	sse, sseErr := c.dialSSE(ctx)
	if sseErr == nil {
		return sse, nil
	}
	return nil, fmt.Errorf("connect %s: websocket: %w; sse: %v", c.kind, wsErr, sseErr)
}

func (c *Channel) dialWebSocket(ctx context.Context) (frameConn, error) {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += c.kind.namespace()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	fc := &wsConn{conn: conn}
	if err := fc.writeEnvelope(ctx, "auth", authPayload{Token: c.authToken()}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("send auth: %w", err)
	}
	if err := awaitAuthenticated(ctx, fc); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	return fc, nil
}

func (c *Channel) dialSSE(ctx context.Context) (frameConn, error) {
	streamURL := c.baseURL + c.kind.namespace() + "/stream"
	token := c.authToken()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}

	fc := &sseConn{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		emitURL: c.baseURL + c.kind.namespace() + "/emit",
		token:   token,
		client:  c.config.HTTPClient,
	}
	if err := awaitAuthenticated(ctx, fc); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return fc, nil
}

func awaitAuthenticated(ctx context.Context, fc frameConn) error {
	env, err := fc.readEnvelope(ctx)
	if err != nil {
		return fmt.Errorf("read auth ack: %w", err)
	}
	if env.Event != eventAuthenticated {
		return fmt.Errorf("expected %q, got %q", eventAuthenticated, env.Event)
	}
	return nil
}

// Disconnect tears the connection down and suppresses reconnection. The
// joined-rooms set survives so a later Connect resubscribes.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.close("client disconnect")
	}
	return nil
}

// Emit sends one event to the server. Fire-and-forget: confirmation arrives
// as a push, or not at all.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel %s: not connected", c.kind)
	}
	return conn.writeEnvelope(ctx, event, payload)
}

// JoinRoom subscribes to a room's push events.
func (c *Channel) JoinRoom(ctx context.Context, room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return c.Emit(ctx, eventJoinRoom, roomPayload{Room: room})
}

// LeaveRoom drops the room subscription.
func (c *Channel) LeaveRoom(ctx context.Context, room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	delete(c.lastSeq, room)
	c.mu.Unlock()
	return c.Emit(ctx, eventLeaveRoom, roomPayload{Room: room})
}

func (c *Channel) readLoop(ctx context.Context, conn frameConn) {
	for {
		env, err := conn.readEnvelope(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if !intentional {
				c.state = StateDisconnected
				c.conn = nil
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.logger.Warn("channel disconnected", zap.Error(err))
			c.dispatcher.emitDisconnected(err.Error())

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.scheduleReconnect()
			}
			return
		}

		c.checkSequence(env)
		c.config.Metrics.eventReceived(string(c.kind), env.Event)
		c.dispatcher.dispatch(env)
	}
}

// checkSequence flags per-room gaps when the server annotates pushes with
// sequence numbers. Delivery order is still trusted: nothing is reordered or
// dropped, the inconsistency is only logged.
func (c *Channel) checkSequence(env *Envelope) {
	if env.Seq == 0 || env.Room == "" {
		return
	}
	c.mu.Lock()
	last, seen := c.lastSeq[env.Room]
	c.lastSeq[env.Room] = env.Seq
	c.mu.Unlock()
	if seen && env.Seq != last+1 {
		c.logger.Warn("push sequence gap",
			zap.String("room", env.Room),
			zap.Int64("last", last),
			zap.Int64("got", env.Seq))
		c.config.Metrics.sequenceGap(string(c.kind))
	}
}

func (c *Channel) scheduleReconnect() {
	delay := c.recon.nextDelay()
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	c.logger.Info("reconnecting",
		zap.Int("attempt", c.recon.attempt),
		zap.Duration("delay", delay))
	c.dispatcher.emitReconnecting(c.recon.attempt, delay)
	c.config.Metrics.reconnect(string(c.kind))

	time.Sleep(delay)

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil {
		if c.config.AutoReconnect && c.recon.shouldReconnect() {
			c.scheduleReconnect()
			return
		}
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
	}
}

// ============================================================================
// ChannelRegistry
// ============================================================================

// ChannelRegistry owns the one-live-connection-per-kind invariant. It is an
// explicit object injected into components — there is no package-level
// connection state.
type ChannelRegistry struct {
	baseURL string
	config  ChannelConfig

	mu       sync.Mutex
	channels map[ChannelKind]*Channel
}

// NewChannelRegistry creates a registry for the given host. The config's
// token authenticates every channel the registry opens.
func NewChannelRegistry(baseURL string, config ChannelConfig) *ChannelRegistry {
	config.defaults()
	return &ChannelRegistry{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   config,
		channels: make(map[ChannelKind]*Channel),
	}
}

// SetToken replaces the bearer token used for future handshakes, on both
// existing channels and channels dialed later. Live sessions keep their
// authentication until they reconnect.
func (r *ChannelRegistry) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Token = token
	for _, ch := range r.channels {
		ch.setToken(token)
	}
}

// Connect returns the channel for kind, dialing it if needed. Idempotent:
// while a channel of that kind is open, the same one is returned unchanged.
func (r *ChannelRegistry) Connect(ctx context.Context, kind ChannelKind) (*Channel, error) {
	r.mu.Lock()
	ch := r.channels[kind]
	if ch == nil {
		ch = newChannel(kind, r.baseURL, &r.config)
		r.channels[kind] = ch
	}
	r.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// Disconnect tears down the channel for kind and clears the slot, so a later
// Connect dials fresh.
func (r *ChannelRegistry) Disconnect(kind ChannelKind) error {
	r.mu.Lock()
	ch := r.channels[kind]
	delete(r.channels, kind)
	r.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Disconnect()
}

// Close disconnects every open channel.
func (r *ChannelRegistry) Close() error {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[ChannelKind]*Channel)
	r.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
