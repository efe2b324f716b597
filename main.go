// sagawidget, October 2026
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/sagawidget/internal/api"
	"github.com/knadh/sagawidget/internal/auth"
	"github.com/knadh/sagawidget/internal/identity"
	"github.com/knadh/sagawidget/internal/media"
	"github.com/knadh/sagawidget/internal/session"
	"github.com/knadh/sagawidget/internal/widget"
	"github.com/knadh/sagawidget/store"
	fsstore "github.com/knadh/sagawidget/store/fs"
	"github.com/knadh/sagawidget/store/mem"
	"github.com/knadh/sagawidget/store/pebble"
	"github.com/knadh/sagawidget/store/redis"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version of the build injected at build time.
var buildString = "unknown"

const identityHelp = "open the widget from a Matrix room, or pass --url with " +
	"matrix_user_id and matrix_room_id parameters"

// App is the global app context that's passed around.
type App struct {
	cfg   Config
	auth  *auth.Manager
	api   *api.Client
	host  *widget.Host
	sess  *session.Session
	media *media.Cache
	log   zerolog.Logger

	// idErr is set when the identity couldn't be resolved. It's terminal
	// for the session.
	idErr    error
	warnings []string
	closers  []io.Closer
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// initStore returns the configured token store and, for backends that
// hold resources, its closer.
func initStore(cfg storeConfig) (store.Store, io.Closer, error) {
	switch cfg.Type {
	case "", "fs":
		s, err := fsstore.New(cfg.FS)
		return s, nil, err
	case "memory":
		return mem.New(), nil, nil
	case "redis":
		s, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "pebble":
		s, err := pebble.New(cfg.Pebble)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown store type '%s'", cfg.Type)
}

// newApp wires up the app's components.
func newApp(cfg Config, l zerolog.Logger) (*App, error) {
	var warnings []string
	if cfg.API.BaseURL == "" {
		warnings = append(warnings, "api.base_url is not set (SAGA_API__BASE_URL). API requests will fail")
	}
	if cfg.API.APIKey == "" {
		warnings = append(warnings, "api.api_key is not set (SAGA_API__API_KEY). Legacy requests will be unauthenticated")
	}
	for _, w := range warnings {
		l.Warn().Msg(w)
	}

	st, closer, err := initStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("error initializing store: %w", err)
	}

	mc, err := media.New(cfg.Media)
	if err != nil {
		return nil, fmt.Errorf("error initializing media cache: %w", err)
	}

	app := &App{
		cfg:      cfg,
		media:    mc,
		log:      l,
		warnings: warnings,
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	app.auth = auth.New(st, nil, l.With().Str("component", "auth").Logger())
	app.api = api.New(cfg.API, l.With().Str("component", "api").Logger())
	app.host = widget.New(cfg.Widget, cfg.URL, nil, l.With().Str("component", "widget").Logger())
	app.sess = session.New(cfg.Session, session.Deps{
		Auth:  app.auth,
		API:   app.api,
		Host:  app.host,
		Media: mc,
		Log:   l.With().Str("component", "session").Logger(),
	})
	return app, nil
}

// resolveIdentity resolves the session identity and binds it. A failure
// is recorded in idErr.
func (a *App) resolveIdentity(ctx context.Context) error {
	r := identity.Resolver{
		URL:  a.cfg.URL,
		Host: a.host,
		Log:  a.log.With().Str("component", "identity").Logger(),
	}
	id, err := r.Resolve(ctx)
	if err == nil {
		err = a.sess.SetIdentity(id)
	}
	if err != nil {
		a.idErr = err
		return err
	}
	return nil
}

// Close releases the app's connections.
func (a *App) Close() {
	if err := a.host.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing host transport")
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Error().Err(err).Msg("error closing store")
		}
	}
}

// setup loads the config and initializes the app for a command.
func setup(cmd *cobra.Command) (*App, error) {
	_, cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return newApp(cfg, newLogger(cfg.Log.Level))
}

// setupWithIdentity is setup followed by identity resolution.
func setupWithIdentity(ctx context.Context, cmd *cobra.Command) (*App, error) {
	app, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	if err := app.resolveIdentity(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("%w: %s", err, identityHelp)
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sagawidget",
		Short:         "Room message widget client with per-room PIN authentication",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	initFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Resolve the identity, keep the room data fresh and serve the control API",
			RunE:  runServer,
		},
		&cobra.Command{
			Use:   "pin <PIN>",
			Short: "Exchange a room PIN for an access token",
			Args:  cobra.ExactArgs(1),
			RunE:  runPIN,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the room's authentication status",
			RunE:  runStatus,
		},
		&cobra.Command{
			Use:   "rooms",
			Short: "List rooms with valid tokens",
			RunE:  runRooms,
		},
		newLogoutCmd(),
		newMessagesCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show build version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), buildString)
			},
		},
	)
	return root
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	// An unresolved identity halts all data operations but the control
	// API keeps serving the status with the error.
	if err := app.resolveIdentity(ctx); err != nil {
		app.log.Error().Err(err).Msg(identityHelp)
	} else {
		go func() {
			if err := app.sess.Run(ctx); err != nil {
				app.log.Error().Err(err).Msg("session stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              app.cfg.App.Address,
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			app.log.Warn().Err(err).Msg("error shutting down server")
		}
	}()

	app.log.Info().Msgf("starting control server on %s", app.cfg.App.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("couldn't start server: %w", err)
	}
	app.log.Info().Msg("shutdown complete")
	return nil
}

func runPIN(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := setupWithIdentity(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.sess.SubmitPIN(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), app.sess.Status().Message)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := setupWithIdentity(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	id, _ := app.sess.Identity()
	st := app.sess.Status()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "user:   %s\nroom:   %s\nstatus: %s\n", id.UserID, id.RoomID, st.State)
	fmt.Fprintln(w, st.Message)
	if app.sess.PINEnabled() && !st.Authenticated {
		fmt.Fprintln(w, "a PIN is required. Request one from the bot and run: sagawidget pin <PIN>")
	}
	return nil
}

func runRooms(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	w := cmd.OutOrStdout()
	for _, id := range app.auth.AuthenticatedRooms() {
		rec, ok := app.auth.Get(id)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\texpires %s\n", id, humanize.Time(rec.ExpiresAt))
	}
	return nil
}

func newLogoutCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the room's token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				app, err := setup(cmd)
				if err != nil {
					return err
				}
				defer app.Close()
				app.auth.ClearAll()
				return nil
			}

			app, err := setupWithIdentity(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			app.sess.Logout()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Clear the tokens of all rooms")
	return cmd
}

func newMessagesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Fetch and print the room's messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setupWithIdentity(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.sess.Refresh(ctx); err != nil {
				if errors.Is(err, session.ErrPINRequired) || errors.Is(err, session.ErrAuthExpired) {
					return fmt.Errorf("%w: run: sagawidget pin <PIN>", err)
				}
				return err
			}
			printMessages(cmd.OutOrStdout(), app.sess.Messages(), limit)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of messages to print (0 for all)")
	return cmd
}

// printMessages prints messages newest first.
func printMessages(w io.Writer, msgs []api.Message, limit int) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Time().After(msgs[j].Time())
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	for _, m := range msgs {
		ts := "-"
		if t := m.Time(); !t.IsZero() {
			ts = humanize.Time(t)
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", ts, m.Sender, m.Content)
		if m.MediaFilename != "" {
			fmt.Fprintf(w, "    %s (%s, %s)\n", m.MediaFilename, m.MediaMimetype, humanize.Bytes(uint64(m.MediaSize)))
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
