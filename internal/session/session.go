// Package session gates data fetching on the resolved identity and the
// room's authentication, and keeps the fetched room data current.
package session

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knadh/sagawidget/internal/api"
	"github.com/knadh/sagawidget/internal/auth"
	"github.com/knadh/sagawidget/internal/identity"
	"github.com/knadh/sagawidget/internal/media"
	"github.com/rs/zerolog"
)

// Default intervals.
const (
	DefaultRefreshInterval     = 30 * time.Second
	DefaultExpiryCheckInterval = 60 * time.Second
	DefaultMaxRefreshBackoff   = 5 * time.Minute
)

var (
	// ErrNoIdentity is returned by data operations before an identity is bound.
	ErrNoIdentity = errors.New("identity not resolved")

	// ErrIdentityBound is returned when an identity is bound twice.
	ErrIdentityBound = errors.New("identity already set for this session")

	// ErrPINRequired is returned when PIN mode is on and the room isn't
	// authenticated.
	ErrPINRequired = errors.New("PIN required")

	// ErrAuthExpired is returned when the API rejects the room token.
	ErrAuthExpired = errors.New("authentication expired, please enter PIN again")
)

// EventType is the type of a session event.
type EventType string

// Session events.
const (
	EventPINRequired   EventType = "pin_required"
	EventAuthenticated EventType = "authenticated"
	EventUpdated       EventType = "updated"
	EventError         EventType = "error"
)

// Event is a session state change.
type Event struct {
	Type EventType

	// NewMessages is the number of messages that weren't in the previous
	// load. Set on EventUpdated.
	NewMessages int

	// Err is set on EventError.
	Err error
}

// Config represents the session options.
type Config struct {
	PINEnabled          bool          `koanf:"pin_enabled"`
	RefreshInterval     time.Duration `koanf:"refresh_interval"`
	ExpiryCheckInterval time.Duration `koanf:"expiry_check_interval"`

	// MaxRefreshBackoff caps the refresh interval after repeated
	// transient failures.
	MaxRefreshBackoff time.Duration `koanf:"max_refresh_backoff"`
}

// Notifier is told when room content has loaded.
type Notifier interface {
	ContentLoaded(ctx context.Context) error
}

// Deps are the collaborators of a Session. Host and Media are optional.
type Deps struct {
	Auth  *auth.Manager
	API   *api.Client
	Host  Notifier
	Media *media.Cache
	Clock clock.Clock
	Log   zerolog.Logger
}

// Session is one widget session bound to a single identity.
type Session struct {
	cfg   Config
	auth  *auth.Manager
	api   *api.Client
	host  Notifier
	media *media.Cache
	clock clock.Clock
	log   zerolog.Logger

	events   chan Event
	refreshQ chan struct{}

	// failures counts consecutive transient refresh failures. Owned by Run.
	failures int

	mu          sync.RWMutex
	id          identity.Identity
	bound       bool
	pinRequired bool
	messages    []api.Message
	seen        map[string]struct{}
	stats       api.Stats
	lastErr     error
	lastUpdate  time.Time
}

// New returns a new Session.
func New(cfg Config, d Deps) *Session {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ExpiryCheckInterval <= 0 {
		cfg.ExpiryCheckInterval = DefaultExpiryCheckInterval
	}
	if cfg.MaxRefreshBackoff < cfg.RefreshInterval {
		cfg.MaxRefreshBackoff = max(DefaultMaxRefreshBackoff, cfg.RefreshInterval)
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}

	return &Session{
		cfg:      cfg,
		auth:     d.Auth,
		api:      d.API,
		host:     d.Host,
		media:    d.Media,
		clock:    d.Clock,
		log:      d.Log,
		events:   make(chan Event, 16),
		refreshQ: make(chan struct{}, 1),
	}
}

// SetIdentity binds the session to an identity. It can only be called once.
func (s *Session) SetIdentity(id identity.Identity) error {
	if !id.Valid() {
		return identity.ErrMissingIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return ErrIdentityBound
	}
	s.id = id
	s.bound = true
	return nil
}

// Identity returns the bound identity.
func (s *Session) Identity() (identity.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.bound
}

// Events returns the event channel. Events are dropped if the channel is
// full.
func (s *Session) Events() <-chan Event {
	return s.events
}

// PINEnabled reports whether PIN authentication is enforced.
func (s *Session) PINEnabled() bool {
	return s.cfg.PINEnabled
}

// CanFetch reports whether data may be fetched: an identity is bound and,
// in PIN mode, the room is authenticated. In PIN mode an unauthenticated
// room raises the PIN-required signal.
func (s *Session) CanFetch() bool {
	id, ok := s.Identity()
	if !ok {
		return false
	}
	if !s.cfg.PINEnabled {
		return true
	}

	if !s.auth.Status(id.RoomID).Authenticated {
		s.setPINRequired(true)
		return false
	}
	return true
}

// CheckAuth recomputes the room's authentication status and updates the
// PIN-required signal accordingly.
func (s *Session) CheckAuth() auth.Status {
	id, ok := s.Identity()
	if !ok {
		return auth.Status{State: auth.StateNoAuth, Message: "No authentication found"}
	}

	st := s.auth.Status(id.RoomID)
	if s.cfg.PINEnabled {
		if !st.Authenticated {
			s.dropMedia()
		}
		s.setPINRequired(!st.Authenticated)
	}
	if st.State == auth.StateExpiringSoon {
		s.log.Warn().Str("room", id.RoomID).Msg(st.Message)
	}
	return st
}

// Status returns the room's authentication status without touching the
// PIN-required signal.
func (s *Session) Status() auth.Status {
	id, ok := s.Identity()
	if !ok {
		return auth.Status{State: auth.StateNoAuth, Message: "No authentication found"}
	}
	return s.auth.Status(id.RoomID)
}

// SubmitPIN exchanges a PIN for a room token and stores it. On success the
// gate re-opens and a refresh is queued.
func (s *Session) SubmitPIN(ctx context.Context, pin string) error {
	id, ok := s.Identity()
	if !ok {
		return ErrNoIdentity
	}

	g, err := s.api.ExchangePIN(ctx, id.RoomID, pin)
	if err != nil {
		s.log.Debug().Err(err).Str("room", id.RoomID).Msg("PIN exchange failed")
		return err
	}
	if g.RoomID != id.RoomID {
		s.log.Warn().Str("room", id.RoomID).Str("granted", g.RoomID).Msg("PIN granted access to a different room")
	}
	s.auth.Set(g.RoomID, g.AccessToken, g.ExpiresAt)

	st := s.auth.Status(id.RoomID)
	if !st.Authenticated {
		return ErrPINRequired
	}
	if !s.setPINRequired(false) {
		s.emit(Event{Type: EventAuthenticated})
	}
	s.log.Info().Str("room", id.RoomID).Msg(st.Message)

	select {
	case s.refreshQ <- struct{}{}:
	default:
	}
	return nil
}

// Logout clears the room's token.
func (s *Session) Logout() {
	id, ok := s.Identity()
	if !ok {
		return
	}
	s.auth.Clear(id.RoomID)
	s.dropMedia()
	if s.cfg.PINEnabled {
		s.setPINRequired(true)
	}
}

// FetchMessages fetches the room's messages and stores them. It returns
// the messages and how many of them weren't in the previous load.
func (s *Session) FetchMessages(ctx context.Context) ([]api.Message, int, error) {
	id, hdr, err := s.gate()
	if err != nil {
		return nil, 0, err
	}

	msgs, err := s.api.Messages(ctx, id.RoomID, hdr)
	if err != nil {
		return nil, 0, s.check(id, err)
	}

	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.EventID] = struct{}{}
	}

	s.mu.Lock()
	n := 0
	if s.seen != nil {
		for e := range seen {
			if _, ok := s.seen[e]; !ok {
				n++
			}
		}
	}
	s.messages = msgs
	s.seen = seen
	s.mu.Unlock()

	return msgs, n, nil
}

// FetchStats fetches the room's statistics and stores them.
func (s *Session) FetchStats(ctx context.Context) (api.Stats, error) {
	id, hdr, err := s.gate()
	if err != nil {
		return nil, err
	}

	st, err := s.api.Stats(ctx, id.RoomID, hdr)
	if err != nil {
		return nil, s.check(id, err)
	}

	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
	return st, nil
}

// FetchMedia returns a media file, from the cache if it's there. The
// cache is only consulted once the gate is open.
func (s *Session) FetchMedia(ctx context.Context, mediaURL string) (media.File, error) {
	id, hdr, err := s.gate()
	if err != nil {
		return media.File{}, err
	}

	u, err := s.api.ResolveURL(mediaURL)
	if err != nil {
		return media.File{}, err
	}
	if s.media != nil {
		if f, err := s.media.Get(u); err == nil {
			return f, nil
		}
	}

	b, typ, err := s.api.Media(ctx, u, hdr)
	if err != nil {
		return media.File{}, s.check(id, err)
	}

	f := media.File{URL: u, MimeType: typ, Data: b, CreatedAt: s.clock.Now()}
	if s.media != nil {
		c, err := s.media.Add(u, typ, b)
		if err != nil {
			s.log.Debug().Err(err).Str("url", u).Int("size", len(b)).Msg("media not cached")
			return f, nil
		}
		return c, nil
	}
	return f, nil
}

// Refresh fetches the room's messages and stats. Failures are recorded in
// LastError and the previously loaded data is kept.
func (s *Session) Refresh(ctx context.Context) error {
	if _, ok := s.Identity(); !ok {
		return ErrNoIdentity
	}
	if !s.CanFetch() {
		return ErrPINRequired
	}

	_, n, err := s.FetchMessages(ctx)
	if err == nil {
		_, err = s.FetchStats(ctx)
	}
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		s.log.Error().Err(err).Msg("error refreshing room data")
		s.emit(Event{Type: EventError, Err: err})
		return err
	}

	s.mu.Lock()
	s.lastErr = nil
	s.lastUpdate = s.clock.Now()
	s.mu.Unlock()

	s.emit(Event{Type: EventUpdated, NewMessages: n})
	if n > 0 {
		s.log.Info().Int("count", n).Msg("new messages")
	}

	if s.host != nil {
		if err := s.host.ContentLoaded(ctx); err != nil {
			s.log.Debug().Err(err).Msg("error notifying host of loaded content")
		}
	}
	return nil
}

// Run refreshes the room data periodically and, in PIN mode, re-checks
// the room's authentication so that passive expiry is detected. It blocks
// until ctx is cancelled and stops its tickers on return.
func (s *Session) Run(ctx context.Context) error {
	if _, ok := s.Identity(); !ok {
		return ErrNoIdentity
	}

	interval := s.cfg.RefreshInterval
	refresh := s.clock.Ticker(interval)
	defer refresh.Stop()

	var expiry <-chan time.Time
	if s.cfg.PINEnabled {
		t := s.clock.Ticker(s.cfg.ExpiryCheckInterval)
		defer t.Stop()
		expiry = t.C
	}

	// backoff re-arms the refresh ticker after a refresh that returned err.
	backoff := func(err error) {
		if next := s.nextInterval(err); next != interval {
			s.log.Debug().Dur("interval", next).Msg("refresh interval changed")
			interval = next
			refresh.Reset(interval)
		}
	}

	backoff(s.Refresh(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			backoff(s.Refresh(ctx))
		case <-s.refreshQ:
			backoff(s.Refresh(ctx))
		case <-expiry:
			s.CheckAuth()
		}
	}
}

// PINRequired reports whether the PIN-required signal is raised.
func (s *Session) PINRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinRequired
}

// Messages returns the last loaded messages.
func (s *Session) Messages() []api.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.Message(nil), s.messages...)
}

// Stats returns the last loaded stats.
func (s *Session) Stats() api.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.stats)
}

// LastError returns the error of the last refresh, if it failed.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// LastUpdate returns the time of the last successful refresh.
func (s *Session) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// gate returns the identity and the room's auth headers to fetch with, or
// the reason fetching isn't allowed. The headers are nil in legacy mode.
// An unauthenticated room drops the media cache.
func (s *Session) gate() (identity.Identity, http.Header, error) {
	id, ok := s.Identity()
	if !ok {
		return id, nil, ErrNoIdentity
	}
	if !s.cfg.PINEnabled {
		return id, nil, nil
	}

	h, err := s.auth.Headers(id.RoomID, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("fetch gated")
		s.dropMedia()
		s.setPINRequired(true)
		return id, nil, ErrPINRequired
	}
	return id, h, nil
}

func (s *Session) dropMedia() {
	if s.media != nil {
		s.media.Clear()
	}
}

// check turns an API error into the session's error. A rejected token is
// cleared and, in PIN mode, the PIN-required signal is raised.
func (s *Session) check(id identity.Identity, err error) error {
	if !api.IsAuthFailure(err) {
		return err
	}

	s.log.Warn().Err(err).Str("room", id.RoomID).Msg("room token rejected")
	s.auth.Clear(id.RoomID)
	s.dropMedia()
	if s.cfg.PINEnabled {
		s.setPINRequired(true)
	}
	return ErrAuthExpired
}

// setPINRequired sets the PIN-required signal and reports whether it
// changed. Transitions are emitted as events.
func (s *Session) setPINRequired(v bool) bool {
	s.mu.Lock()
	changed := s.pinRequired != v
	s.pinRequired = v
	s.mu.Unlock()

	if !changed {
		return false
	}
	if v {
		s.emit(Event{Type: EventPINRequired})
	} else {
		s.emit(Event{Type: EventAuthenticated})
	}
	return true
}

// nextInterval returns the refresh interval to use after a refresh that
// returned err. Transient failures double the interval up to
// MaxRefreshBackoff. Anything else resets it.
func (s *Session) nextInterval(err error) time.Duration {
	if err == nil || errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrPINRequired) || errors.Is(err, context.Canceled) {
		s.failures = 0
		return s.cfg.RefreshInterval
	}

	s.failures++
	d := s.cfg.RefreshInterval
	for i := 0; i < s.failures && d < s.cfg.MaxRefreshBackoff; i++ {
		d *= 2
	}
	return min(d, s.cfg.MaxRefreshBackoff)
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
