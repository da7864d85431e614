package copilot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Feed Event Payload Types
// ============================================================================

// FeedAuthenticatedPayload is sent when a feed connection is authenticated.
type FeedAuthenticatedPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// CaseUpdatedPayload is sent when a case's metadata changes server-side.
type CaseUpdatedPayload struct {
	CaseID    string `json:"caseId"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

// TurnAppendedPayload is sent when a new turn lands on a case from
// another client or an async agent run.
type TurnAppendedPayload struct {
	CaseID     string `json:"caseId"`
	MessageID  string `json:"messageId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	TurnNumber int    `json:"turnNumber"`
	CreatedAt  string `json:"createdAt"`
}

// CaseDeletedPayload is sent when a case is removed server-side.
type CaseDeletedPayload struct {
	CaseID string `json:"caseId"`
}

// FeedErrorPayload is sent when a server-side error occurs.
type FeedErrorPayload struct {
	Message string `json:"message"`
}

// FeedEnvelope is the wire format for all feed events. Signature, when
// present, is an HMAC-SHA256 of the payload bytes.
type FeedEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// ============================================================================
// Signature Verification
// ============================================================================

// VerifyFeedSignature verifies a feed envelope signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyFeedSignature(payload, signature, secret string) bool {
	if payload == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the realtime feed client.
type FeedConfig struct {
	Token                string
	FeedSecret           string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	StateDisconnected FeedState = "disconnected"
	StateConnecting   FeedState = "connecting"
	StateConnected    FeedState = "connected"
	StateReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// FeedEventHandler is the generic event callback type.
type FeedEventHandler func(eventType string, payload json.RawMessage)

type feedDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]FeedEventHandler
	onAuthenticated []func(FeedAuthenticatedPayload)
	onCaseUpdated   []func(CaseUpdatedPayload)
	onTurnAppended  []func(TurnAppendedPayload)
	onCaseDeleted   []func(CaseDeletedPayload)
	onError         []func(FeedErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newFeedDispatcher() *feedDispatcher {
	return &feedDispatcher{
		generic: make(map[string][]FeedEventHandler),
	}
}

func (d *feedDispatcher) dispatch(env FeedEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Typed handlers
	switch env.Type {
	case "authenticated":
		var p FeedAuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "case.updated":
		var p CaseUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onCaseUpdated {
				go h(p)
			}
		}
	case "turn.appended":
		var p TurnAppendedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTurnAppended {
				go h(p)
			}
		}
	case "case.deleted":
		var p CaseDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onCaseDeleted {
				go h(p)
			}
		}
	case "error":
		var p FeedErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	// Generic handlers
	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *feedDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *feedDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *feedDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
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

func newReconnector(config *FeedConfig) *reconnector {
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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// FeedClient
// ============================================================================

// FeedClient is a WebSocket client for the case update feed, with
// auto-reconnect and heartbeat. The feed is server-push only; the only
// client-to-server traffic is the websocket-level ping.
type FeedClient struct {
	baseURL          string
	config           *FeedConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            FeedState
	intentionalClose bool
	dispatcher       *feedDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewFeedClient creates a feed client for the given API base URL.
func NewFeedClient(baseURL string, config *FeedConfig) *FeedClient {
	if config == nil {
		config = &FeedConfig{}
	}
	config.defaults()
	return &FeedClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		state:      StateDisconnected,
		dispatcher: newFeedDispatcher(),
		recon:      newReconnector(config),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (fc *FeedClient) OnAuthenticated(h func(FeedAuthenticatedPayload)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onAuthenticated = append(fc.dispatcher.onAuthenticated, h)
	fc.dispatcher.mu.Unlock()
}

// OnCaseUpdated registers a handler for case metadata changes.
func (fc *FeedClient) OnCaseUpdated(h func(CaseUpdatedPayload)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onCaseUpdated = append(fc.dispatcher.onCaseUpdated, h)
	fc.dispatcher.mu.Unlock()
}

// OnTurnAppended registers a handler for new turns.
func (fc *FeedClient) OnTurnAppended(h func(TurnAppendedPayload)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onTurnAppended = append(fc.dispatcher.onTurnAppended, h)
	fc.dispatcher.mu.Unlock()
}

// OnCaseDeleted registers a handler for case deletions.
func (fc *FeedClient) OnCaseDeleted(h func(CaseDeletedPayload)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onCaseDeleted = append(fc.dispatcher.onCaseDeleted, h)
	fc.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (fc *FeedClient) OnError(h func(FeedErrorPayload)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onError = append(fc.dispatcher.onError, h)
	fc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (fc *FeedClient) OnConnected(h func()) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onConnected = append(fc.dispatcher.onConnected, h)
	fc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (fc *FeedClient) OnDisconnected(h func(code int, reason string)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onDisconnected = append(fc.dispatcher.onDisconnected, h)
	fc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (fc *FeedClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.onReconnecting = append(fc.dispatcher.onReconnecting, h)
	fc.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (fc *FeedClient) On(eventType string, h FeedEventHandler) {
	fc.dispatcher.mu.Lock()
	fc.dispatcher.generic[eventType] = append(fc.dispatcher.generic[eventType], h)
	fc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (fc *FeedClient) State() FeedState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

// feedURL builds the websocket endpoint for a feed token.
func feedURL(baseURL, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/feed?token=" + url.QueryEscape(token)
}

// Connect establishes the WebSocket connection.
func (fc *FeedClient) Connect(ctx context.Context) error {
	fc.mu.Lock()
	if fc.state == StateConnected || fc.state == StateConnecting {
		fc.mu.Unlock()
		return nil
	}
	fc.state = StateConnecting
	fc.intentionalClose = false
	fc.mu.Unlock()

	wsURL := feedURL(fc.baseURL, fc.config.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: fc.config.HTTPClient,
	})
	if err != nil {
		fc.mu.Lock()
		fc.state = StateDisconnected
		fc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		fc.mu.Lock()
		fc.state = StateDisconnected
		fc.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env FeedEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		fc.mu.Lock()
		fc.state = StateDisconnected
		fc.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	fc.mu.Lock()
	fc.conn = conn
	fc.state = StateConnected
	fc.mu.Unlock()
	fc.recon.markConnected()

	fc.dispatcher.dispatch(env)
	fc.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	fc.mu.Lock()
	fc.cancelFn = cancel
	fc.mu.Unlock()

	go fc.readLoop(connCtx)
	go fc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (fc *FeedClient) Disconnect() error {
	fc.mu.Lock()
	fc.intentionalClose = true
	if fc.cancelFn != nil {
		fc.cancelFn()
		fc.cancelFn = nil
	}
	conn := fc.conn
	fc.conn = nil
	fc.state = StateDisconnected
	fc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	fc.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (fc *FeedClient) readLoop(ctx context.Context) {
	for {
		fc.mu.Lock()
		conn := fc.conn
		fc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			fc.mu.Lock()
			intentional := fc.intentionalClose
			fc.mu.Unlock()
			if intentional {
				return
			}

			fc.mu.Lock()
			fc.state = StateDisconnected
			fc.conn = nil
			fc.mu.Unlock()

			fc.dispatcher.emitDisconnected(0, err.Error())

			if fc.config.AutoReconnect && fc.recon.shouldReconnect() {
				fc.scheduleReconnect(ctx)
			}
			return
		}

		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if fc.config.FeedSecret != "" && env.Type != "authenticated" {
			if !VerifyFeedSignature(string(env.Payload), env.Signature, fc.config.FeedSecret) {
				continue
			}
		}

		fc.dispatcher.dispatch(env)
	}
}

func (fc *FeedClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(fc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fc.mu.Lock()
			s := fc.state
			conn := fc.conn
			fc.mu.Unlock()
			if s != StateConnected || conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed — force close
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (fc *FeedClient) scheduleReconnect(ctx context.Context) {
	delay := fc.recon.nextDelay()
	fc.mu.Lock()
	fc.state = StateReconnecting
	fc.mu.Unlock()

	fc.dispatcher.emitReconnecting(fc.recon.attempt, delay)

	time.Sleep(delay)

	if err := fc.Connect(ctx); err != nil {
		if fc.config.AutoReconnect && fc.recon.shouldReconnect() {
			fc.scheduleReconnect(ctx)
		} else {
			fc.mu.Lock()
			fc.state = StateDisconnected
			fc.mu.Unlock()
		}
	}
}

// Reset clears reconnect bookkeeping, so the next disconnect starts the
// backoff schedule from the beginning.
func (fc *FeedClient) Reset() {
	fc.recon.reset()
}
