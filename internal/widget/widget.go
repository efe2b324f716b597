// Package widget implements the embedding host handshake over a websocket
// transport. Messages follow the shape of the Matrix widget API: the host
// asks for the widget's capabilities once it is ready, then notifies the
// widget of what it approved.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/knadh/sagawidget/internal/identity"
	"github.com/rs/zerolog"
)

// Message directions.
const (
	APIToWidget   = "toWidget"
	APIFromWidget = "fromWidget"
)

// Actions.
const (
	ActionCapabilities       = "capabilities"
	ActionNotifyCapabilities = "notify_capabilities"
	ActionContentLoaded      = "content_loaded"
)

// CapAlwaysOnScreen is the only capability the widget asks for.
const CapAlwaysOnScreen = "m.always_on_screen"

// DefaultLibraryURL is the host client library fetched before the handshake.
const DefaultLibraryURL = "https://unpkg.com/matrix-widget-api@0.1.0/dist/api.min.js"

// DefaultReadyTimeout bounds the wait for the host to become ready.
const DefaultReadyTimeout = 10 * time.Second

// ErrNotConnected is returned when sending without a completed handshake.
var ErrNotConnected = errors.New("host transport not connected")

// Config represents the host handshake options.
type Config struct {
	// TransportURL is the host's websocket endpoint. The widget is
	// considered embedded only if it is set.
	TransportURL string        `koanf:"transport_url"`
	LibraryURL   string        `koanf:"library_url"`
	WidgetID     string        `koanf:"widget_id"`
	ReadyTimeout time.Duration `koanf:"ready_timeout"`
}

// Message is a widget API message.
type Message struct {
	API       string          `json:"api"`
	WidgetID  string          `json:"widgetId"`
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

type capabilitiesResp struct {
	Capabilities []string `json:"capabilities"`
}

type notifyCapabilities struct {
	Requested []string `json:"requested"`
	Approved  []string `json:"approved"`

	// URL is the widget URL with the host's template variables filled in.
	URL string `json:"url,omitempty"`
}

// Host is the websocket implementation of identity.Host.
type Host struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	loaded   bool
	location string
	approved []string
}

// New returns a new Host. location is the widget URL the session was opened
// with. If hc is nil, http.DefaultClient is used.
func New(cfg Config, location string, hc *http.Client, l zerolog.Logger) *Host {
	if cfg.LibraryURL == "" {
		cfg.LibraryURL = DefaultLibraryURL
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.WidgetID == "" {
		cfg.WidgetID = uuid.NewString()
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Host{
		cfg:      cfg,
		http:     hc,
		dialer:   websocket.DefaultDialer,
		log:      l,
		location: location,
	}
}

// Embedded reports whether a host transport is configured.
func (h *Host) Embedded() bool {
	return h.cfg.TransportURL != ""
}

// Location returns the widget URL, as rewritten by the host if it supplied
// one during the handshake.
func (h *Host) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location
}

// Approved returns the capabilities the host approved.
func (h *Host) Approved() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.approved...)
}

// Initialize loads the host library, connects to the host, waits for it to
// become ready, negotiates capabilities and reads the identity from the
// (possibly rewritten) widget URL.
func (h *Host) Initialize(ctx context.Context) (identity.Identity, error) {
	if err := h.loadLibrary(ctx); err != nil {
		return identity.Identity{}, err
	}

	conn, _, err := h.dialer.DialContext(ctx, h.cfg.TransportURL, nil)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("error connecting to host: %w", err)
	}

	if err := h.handshake(ctx, conn); err != nil {
		conn.Close()
		return identity.Identity{}, err
	}

	h.mu.Lock()
	if h.conn != nil {
		h.conn.Close()
	}
	h.conn = conn
	loc := h.location
	h.mu.Unlock()

	go h.listen(conn)

	id, ok := identity.FromURLLenient(loc)
	if !ok {
		return identity.Identity{}, identity.ErrMissingIdentity
	}
	return id, nil
}

// ContentLoaded tells the host the widget has rendered its content.
func (h *Host) ContentLoaded(ctx context.Context) error {
	return h.send(ctx, Message{
		API:       APIFromWidget,
		WidgetID:  h.cfg.WidgetID,
		RequestID: uuid.NewString(),
		Action:    ActionContentLoaded,
		Data:      json.RawMessage(`{}`),
	})
}

// Close closes the host transport.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.conn.Close()
	h.conn = nil
	return err
}

// loadLibrary fetches the host client library once per Host.
func (h *Host) loadLibrary(ctx context.Context) error {
	h.mu.Lock()
	loaded := h.loaded
	h.mu.Unlock()
	if loaded {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.LibraryURL, nil)
	if err != nil {
		return fmt.Errorf("error loading host library: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("error loading host library: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("error loading host library: %s", resp.Status)
	}

	h.mu.Lock()
	h.loaded = true
	h.mu.Unlock()
	return nil
}

// handshake waits for the host's capabilities request (its ready signal)
// within the ready timeout, answers it and waits for the approval.
func (h *Host) handshake(ctx context.Context, conn *websocket.Conn) error {
	readyCtx, cancel := context.WithTimeout(ctx, h.cfg.ReadyTimeout)
	defer cancel()

	// Unblock reads when the context ends.
	stop := context.AfterFunc(readyCtx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	req, err := readAction(readyCtx, conn, ActionCapabilities)
	if err != nil {
		return fmt.Errorf("host not ready: %w", err)
	}

	resp, _ := json.Marshal(capabilitiesResp{Capabilities: []string{CapAlwaysOnScreen}})
	req.Response = resp
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("error requesting capabilities: %w", err)
	}

	n, err := readAction(readyCtx, conn, ActionNotifyCapabilities)
	if err != nil {
		return fmt.Errorf("capabilities not granted: %w", err)
	}

	var caps notifyCapabilities
	if len(n.Data) > 0 {
		if err := json.Unmarshal(n.Data, &caps); err != nil {
			return fmt.Errorf("error parsing capabilities: %w", err)
		}
	}
	n.Response = json.RawMessage(`{}`)
	if err := conn.WriteJSON(n); err != nil {
		return fmt.Errorf("error acknowledging capabilities: %w", err)
	}

	// Clear the ready deadline for later use of the connection.
	stop()
	conn.SetReadDeadline(time.Time{})

	h.mu.Lock()
	h.approved = caps.Approved
	if caps.URL != "" {
		h.location = caps.URL
	}
	h.mu.Unlock()

	h.log.Debug().Strs("approved", caps.Approved).Msg("host handshake complete")
	return nil
}

// listen is a blocking function that reads messages from the host until the
// connection drops, acknowledging its requests. This should be invoked as a
// goroutine.
func (h *Host) listen(conn *websocket.Conn) {
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			break
		}
		if m.API != APIToWidget || m.Response != nil {
			continue
		}
		m.Response = json.RawMessage(`{}`)
		if err := h.send(context.Background(), m); err != nil {
			break
		}
	}

	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	conn.Close()
	h.log.Debug().Msg("host transport closed")
}

// send writes a message to the host.
func (h *Host) send(ctx context.Context, m Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		h.conn.SetWriteDeadline(dl)
		defer h.conn.SetWriteDeadline(time.Time{})
	}
	return h.conn.WriteJSON(m)
}

// readAction reads messages until a toWidget request with the given action
// arrives. Other messages are skipped.
func readAction(ctx context.Context, conn *websocket.Conn, action string) (Message, error) {
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, err
		}
		if m.API == APIToWidget && m.Action == action {
			return m, nil
		}
	}
}
