package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knadh/sagawidget/internal/api"
	"github.com/knadh/sagawidget/internal/session"
	"github.com/rs/zerolog"
)

const widgetURL = "https://widget.example.org/?matrix_user_id=%40u%3Ax&matrix_room_id=%21r%3Ax"

// upstream is a canned remote API.
type upstream struct {
	mu        sync.Mutex
	status    int
	pinStatus int
}

func (u *upstream) set(status, pinStatus int) {
	u.mu.Lock()
	u.status, u.pinStatus = status, pinStatus
	u.mu.Unlock()
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if r.URL.Path == "/internal/auth/pin" {
		if u.pinStatus != 0 {
			w.WriteHeader(u.pinStatus)
			w.Write([]byte("slow down"))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok",
			"expires_at":   time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
			"room_id":      "!r:x",
		})
		return
	}
	if u.status != http.StatusOK {
		w.WriteHeader(u.status)
		return
	}

	switch r.URL.Path {
	case "/ui/rooms/!r:x/messages", "/messages":
		w.Write([]byte(`[{"id":1,"event_id":"$1","sender":"@a:x","content":"hi"}]`))
	case "/ui/rooms/!r:x/stats", "/stats":
		w.Write([]byte(`{"total_messages":1}`))
	case "/media/a.png":
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png"))
	default:
		http.NotFound(w, r)
	}
}

type envelope struct {
	Error *string         `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func newTestApp(t *testing.T, pin bool, url string) (*App, *upstream) {
	t.Helper()

	up := &upstream{status: http.StatusOK}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	var cfg Config
	cfg.URL = url
	cfg.API = api.Config{BaseURL: srv.URL, APIKey: "static"}
	cfg.Session = session.Config{PINEnabled: pin}
	cfg.Store.Type = "memory"

	app, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(app.Close)

	app.resolveIdentity(context.Background())
	return app, up
}

func doReq(t *testing.T, app *App, method, path, body string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.router().ServeHTTP(rec, req)

	var out envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad JSON: %v", method, path, err)
		}
	}
	return rec.Code, out
}

func TestStatusWithoutIdentity(t *testing.T) {
	app, _ := newTestApp(t, true, "")
	if app.idErr == nil {
		t.Fatal("expected an identity error")
	}

	code, resp := doReq(t, app, http.MethodGet, "/api/status", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var st statusResp
	json.Unmarshal(resp.Data, &st)
	if st.Identity != nil || st.IdentityError == "" || st.Instructions == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(st.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", st.Warnings)
	}

	for _, r := range [][2]string{
		{http.MethodGet, "/api/messages"},
		{http.MethodGet, "/api/stats"},
		{http.MethodGet, "/api/media?url=media/a.png"},
		{http.MethodPost, "/api/pin"},
		{http.MethodDelete, "/api/auth"},
	} {
		if code, _ := doReq(t, app, r[0], r[1], `{"pin":"123456"}`); code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d", r[0], r[1], code)
		}
	}

	if code, _ := doReq(t, app, http.MethodGet, "/api/rooms", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestPINFlow(t *testing.T) {
	app, up := newTestApp(t, true, widgetURL)
	if app.idErr != nil {
		t.Fatalf("identity: %v", app.idErr)
	}

	if code, _ := doReq(t, app, http.MethodGet, "/api/messages", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before the PIN, got %d", code)
	}

	code, resp := doReq(t, app, http.MethodPost, "/api/pin", `{"pin":"12"}`)
	if code != http.StatusBadRequest || resp.Error == nil || *resp.Error != api.ErrInvalidPIN.Error() {
		t.Fatalf("expected an invalid PIN error, got %d %+v", code, resp)
	}

	code, resp = doReq(t, app, http.MethodPost, "/api/pin", `{"pin":"123456"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp.Error)
	}
	var st struct {
		Status        string `json:"status"`
		Authenticated bool   `json:"authenticated"`
	}
	json.Unmarshal(resp.Data, &st)
	if st.Status != "valid" || !st.Authenticated {
		t.Fatalf("unexpected status %+v", st)
	}

	code, resp = doReq(t, app, http.MethodGet, "/api/messages?refresh=true", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp.Error)
	}
	var msgs messagesResp
	json.Unmarshal(resp.Data, &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content != "hi" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	// The token is rejected upstream.
	up.set(http.StatusUnauthorized, 0)
	code, resp = doReq(t, app, http.MethodGet, "/api/messages?refresh=true", "")
	if code != http.StatusUnauthorized || resp.Error == nil || *resp.Error != session.ErrAuthExpired.Error() {
		t.Fatalf("expected an expired auth error, got %d %+v", code, resp)
	}
	_, resp = doReq(t, app, http.MethodGet, "/api/status", "")
	var status statusResp
	json.Unmarshal(resp.Data, &status)
	if !status.PINRequired || status.Auth.Authenticated {
		t.Fatalf("expected PIN required, got %+v", status)
	}
	if len(app.auth.AuthenticatedRooms()) != 0 {
		t.Fatal("expected the token to be cleared")
	}
}

func TestConfigWarnings(t *testing.T) {
	var cfg Config
	cfg.URL = widgetURL
	cfg.Store.Type = "memory"

	app, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	_, resp := doReq(t, app, http.MethodGet, "/api/status", "")
	var st statusResp
	json.Unmarshal(resp.Data, &st)
	if len(st.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", st.Warnings)
	}
}

func TestPINUpstreamError(t *testing.T) {
	app, up := newTestApp(t, true, widgetURL)
	up.set(http.StatusOK, http.StatusTooManyRequests)

	code, resp := doReq(t, app, http.MethodPost, "/api/pin", `{"pin":"123456"}`)
	if code != http.StatusTooManyRequests || resp.Error == nil ||
		*resp.Error != "too many PIN requests, wait before trying again" {
		t.Fatalf("unexpected response %d %+v", code, resp)
	}
}

func TestTransientFailure(t *testing.T) {
	app, up := newTestApp(t, false, widgetURL)

	if code, _ := doReq(t, app, http.MethodGet, "/api/messages?refresh=true", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	up.set(http.StatusInternalServerError, 0)
	code, resp := doReq(t, app, http.MethodGet, "/api/messages?refresh=true", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200 with the last data, got %d", code)
	}
	var msgs messagesResp
	json.Unmarshal(resp.Data, &msgs)
	if len(msgs.Messages) != 1 || msgs.LastError == "" {
		t.Fatalf("expected kept messages and an error, got %+v", msgs)
	}

	if code, _ := doReq(t, app, http.MethodGet, "/api/stats", ""); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
}

func TestMediaProxy(t *testing.T) {
	app, _ := newTestApp(t, false, widgetURL)

	req := httptest.NewRequest(http.MethodGet, "/api/media?url=media/a.png", nil)
	rec := httptest.NewRecorder()
	app.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "png" || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected response %d %q %q", rec.Code, rec.Body.String(), rec.Header().Get("Content-Type"))
	}

	if code, _ := doReq(t, app, http.MethodGet, "/api/media", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code, _ := doReq(t, app, http.MethodGet, "/api/media?url=http%3A%2F%2Fother.example%2Fx", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a foreign URL, got %d", code)
	}
}

func TestLogout(t *testing.T) {
	app, _ := newTestApp(t, true, widgetURL)
	app.auth.Set("!r:x", "tok", time.Now().Add(time.Hour*2).Format(time.RFC3339))
	app.auth.Set("!s:x", "tok", time.Now().Add(time.Hour*2).Format(time.RFC3339))

	if code, _ := doReq(t, app, http.MethodDelete, "/api/auth", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	_, resp := doReq(t, app, http.MethodGet, "/api/rooms", "")
	if string(resp.Data) != `["!s:x"]` {
		t.Fatalf("unexpected rooms %s", resp.Data)
	}

	doReq(t, app, http.MethodDelete, "/api/auth?all=true", "")
	_, resp = doReq(t, app, http.MethodGet, "/api/rooms", "")
	if string(resp.Data) != `[]` {
		t.Fatalf("unexpected rooms %s", resp.Data)
	}
}

func TestPrintMessages(t *testing.T) {
	now := time.Now()
	msgs := []api.Message{
		{Sender: "@a:x", Content: "old", Timestamp: now.Add(-time.Hour).Format(time.RFC3339)},
		{Sender: "@b:x", Content: "new", Timestamp: now.Add(-time.Minute).Format(time.RFC3339),
			MediaFilename: "a.png", MediaMimetype: "image/png", MediaSize: 2048},
		{Sender: "@c:x", Content: "oldest", Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339)},
	}

	var b bytes.Buffer
	printMessages(&b, msgs, 2)
	out := b.String()

	if !strings.Contains(out, "@b:x: new") || !strings.Contains(out, "a.png (image/png, 2.0 kB)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Index(out, "new") > strings.Index(out, "old") {
		t.Fatalf("expected newest first:\n%s", out)
	}
	if strings.Contains(out, "oldest") {
		t.Fatalf("expected the limit to apply:\n%s", out)
	}
}
