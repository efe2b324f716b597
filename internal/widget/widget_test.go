package widget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/knadh/sagawidget/internal/identity"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type fakeHost struct {
	srv       *httptest.Server
	libHits   atomic.Int32
	libStatus int

	// silent makes the host never send its ready request.
	silent bool
	url    string

	received chan Message
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	f := &fakeHost{libStatus: http.StatusOK, received: make(chan Message, 10)}

	mux := http.NewServeMux()
	mux.HandleFunc("/lib.js", func(w http.ResponseWriter, r *http.Request) {
		f.libHits.Add(1)
		w.WriteHeader(f.libStatus)
		w.Write([]byte("/* widget api */"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if f.silent {
			ws.ReadMessage()
			return
		}

		ws.WriteJSON(Message{API: APIToWidget, WidgetID: "w", RequestID: "1", Action: ActionCapabilities, Data: json.RawMessage(`{}`)})
		var m Message
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		f.received <- m

		data, _ := json.Marshal(notifyCapabilities{
			Requested: []string{CapAlwaysOnScreen},
			Approved:  []string{CapAlwaysOnScreen},
			URL:       f.url,
		})
		ws.WriteJSON(Message{API: APIToWidget, WidgetID: "w", RequestID: "2", Action: ActionNotifyCapabilities, Data: data})

		for {
			var m Message
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			f.received <- m
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHost) config() Config {
	return Config{
		TransportURL: "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws",
		LibraryURL:   f.srv.URL + "/lib.js",
		WidgetID:     "w",
		ReadyTimeout: 2 * time.Second,
	}
}

func (f *fakeHost) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-f.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message from the widget")
	}
	return Message{}
}

func TestEmbedded(t *testing.T) {
	if New(Config{}, "", nil, zerolog.Nop()).Embedded() {
		t.Fatal("no transport URL should not be embedded")
	}
	if !New(Config{TransportURL: "ws://x"}, "", nil, zerolog.Nop()).Embedded() {
		t.Fatal("transport URL should be embedded")
	}
}

func TestHandshake(t *testing.T) {
	f := newFakeHost(t)
	f.url = "https://w.example/?matrix_user_id=%40u%3Ax&matrix_room_id=%21r%3Ax"

	h := New(f.config(), "https://w.example/?matrix_user_id=$matrix_user_id", nil, zerolog.Nop())
	defer h.Close()

	id, err := h.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if id != (identity.Identity{UserID: "@u:x", RoomID: "!r:x"}) {
		t.Fatalf("unexpected identity %+v", id)
	}
	if h.Location() != f.url {
		t.Fatalf("location should be rewritten, got %q", h.Location())
	}
	if a := h.Approved(); len(a) != 1 || a[0] != CapAlwaysOnScreen {
		t.Fatalf("unexpected approved capabilities %v", a)
	}

	// The capabilities reply.
	m := f.next(t)
	var caps capabilitiesResp
	if err := json.Unmarshal(m.Response, &caps); err != nil || len(caps.Capabilities) != 1 {
		t.Fatalf("unexpected capabilities response %s", m.Response)
	}
	// The notify_capabilities ack.
	if m := f.next(t); m.Action != ActionNotifyCapabilities {
		t.Fatalf("expected an ack, got %+v", m)
	}

	if err := h.ContentLoaded(context.Background()); err != nil {
		t.Fatalf("content loaded: %v", err)
	}
	if m := f.next(t); m.Action != ActionContentLoaded || m.API != APIFromWidget {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestHandshakeMissingIdentity(t *testing.T) {
	f := newFakeHost(t)
	h := New(f.config(), "https://w.example/", nil, zerolog.Nop())
	defer h.Close()

	if _, err := h.Initialize(context.Background()); !errors.Is(err, identity.ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}

func TestReadyTimeout(t *testing.T) {
	f := newFakeHost(t)
	f.silent = true
	cfg := f.config()
	cfg.ReadyTimeout = 100 * time.Millisecond

	h := New(cfg, "https://w.example/", nil, zerolog.Nop())
	start := time.Now()
	if _, err := h.Initialize(context.Background()); err == nil {
		t.Fatal("expected a timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("ready wait was not bounded by the timeout")
	}
}

func TestLibraryFailure(t *testing.T) {
	f := newFakeHost(t)
	f.libStatus = http.StatusNotFound

	h := New(f.config(), "https://w.example/?matrix_user_id=u&matrix_room_id=r", nil, zerolog.Nop())
	if _, err := h.Initialize(context.Background()); err == nil {
		t.Fatal("expected a library load error")
	}
}

func TestLibraryLoadedOnce(t *testing.T) {
	f := newFakeHost(t)
	f.url = "https://w.example/?matrix_user_id=u&matrix_room_id=r"
	h := New(f.config(), "", nil, zerolog.Nop())
	defer h.Close()

	for i := 0; i < 2; i++ {
		if _, err := h.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
	}
	if n := f.libHits.Load(); n != 1 {
		t.Fatalf("library fetched %d times", n)
	}
}

func TestContentLoadedNotConnected(t *testing.T) {
	h := New(Config{}, "", nil, zerolog.Nop())
	if err := h.ContentLoaded(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
