package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/oauth2"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/config"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/services"
	"github.com/aigoflow/arena/internal/store"
	"github.com/aigoflow/arena/internal/stream"
	"github.com/aigoflow/arena/internal/supervisor"
	"github.com/aigoflow/arena/internal/transcript"
	"github.com/aigoflow/arena/internal/transport"
)

// ArenaClient is the chat engine as seen by a UI
type ArenaClient interface {
	// Sessions
	CreateSession(ctx context.Context, session Session) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	Resume(ctx context.Context, sessionID string) (bool, error)
	LeaveSession(sessionID string)

	// Catalog and feedback
	ListModels(ctx context.Context) ([]ModelInfo, error)
	SubmitFeedback(ctx context.Context, f Feedback) (Feedback, error)

	// Turns
	Send(ctx context.Context, sessionID, content string) (*Turn, error)
	Regenerate(ctx context.Context, sessionID, messageID string) (*Turn, error)
	Cancel(sessionID string) bool
	View(sessionID string) []Message

	// Session channel
	Connect(ctx context.Context, sessionID string) error
	Disconnect(sessionID string)
	ConnectionState(sessionID string) ConnectionState

	// Observation
	Updates() (<-chan string, func())
	Notifications(buffer int) (<-chan Notification, func())

	// Lifecycle
	Start(ctx context.Context) error
	Close() error
}

// Options override parts of the wiring derived from the configuration
type Options struct {
	Logger *slog.Logger
	// Provider replaces the token settings of the configuration
	Provider auth.Provider
	// ClientID names this client on the broker; generated when empty
	ClientID string
}

// Engine wires configuration into a running chat engine
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	chat     *services.ChatService
	mux      *stream.Multiplexer
	notifier *services.Notifier
	creds    *auth.Switch

	db        *store.DB
	retention *services.RetentionJob
	closers   []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

var _ ArenaClient = (*Engine)(nil)

// New builds an engine from cfg. Nothing touches the network until a
// turn is sent or a session channel is connected.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{cfg: cfg, logger: logger}

	provider := opts.Provider
	if provider == nil {
		provider = providerFromConfig(cfg)
	}
	e.creds = auth.NewSwitch(provider)

	var repo repository.Repository
	var persister transcript.Persister
	var events repository.EventRepositoryInterface
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		e.db = db
		sqlite := repository.NewSQLiteRepository(db)
		repo, persister, events = sqlite, sqlite, sqlite.Event()
		e.retention = services.NewRetentionJob(repo, cfg.Retention, cfg.RetentionSchedule, logger)
	}

	e.notifier = services.NewNotifier(events, logger)
	st := transcript.NewStore(persister, logger)
	e.mux = stream.New(st, e.notifier, cfg.StallTimeout, logger)

	api := transport.NewHTTPClient(cfg.APIURL, auth.HTTPClient(e.creds), logger)
	deps := services.ChatDeps{
		Store:    st,
		Mux:      e.mux,
		Sessions: api,
		Models:   api,
		Feedback: api,
		Creds:    e.creds,
		Repo:     repo,
		Notifier: e.notifier,
		Reconnect: supervisor.Config{
			BaseDelay:      cfg.ReconnectBaseDelay,
			MaxDelay:       cfg.ReconnectMaxDelay,
			MaxAttempts:    cfg.ReconnectMaxAttempts,
			AuthCloseCodes: cfg.AuthCloseCodes,
		},
		Transport: cfg.Transport,
		Logger:    logger,
	}

	switch cfg.Transport {
	case "nats":
		clientID := opts.ClientID
		if clientID == "" {
			clientID = ulid.Make().String()
		}
		sender := transport.NewNATSSender(cfg.NatsURL, cfg.NatsPrefix, clientID, e.creds, logger)
		e.closers = append(e.closers, sender.Close)
		deps.Sender = sender
		deps.Dialer = transport.NewNATSDialer(cfg.NatsURL, cfg.NatsPrefix, logger)
	default:
		deps.Sender = api
		deps.Dialer = transport.NewWSDialer(cfg.WSURL, logger)
	}

	e.chat = services.NewChatService(deps)
	logger.Debug("Engine ready", "transport", cfg.Transport, "api_url", cfg.APIURL, "db_path", cfg.DBPath)
	return e, nil
}

// providerFromConfig picks a refreshing provider when a refresh token is
// configured, otherwise a static one
func providerFromConfig(cfg *config.Config) auth.Provider {
	if cfg.RefreshToken == "" || cfg.RefreshURL == "" {
		return auth.NewStaticProvider(cfg.AccessToken, "")
	}
	var initial *oauth2.Token
	if cfg.AccessToken != "" {
		initial = &oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}
	}
	return auth.NewTokenProvider(initial, auth.NewRefreshTokenSource(cfg.RefreshURL, cfg.RefreshToken, nil))
}

// Start runs stall detection and the retention schedule until ctx is done
// or Close is called
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		e.mux.Start(ctx)
	}()
	if e.retention != nil {
		e.running.Add(1)
		go func() {
			defer e.running.Done()
			if err := e.retention.Start(ctx); err != nil {
				e.logger.Error("Retention job failed", "error", err)
			}
		}()
	}
	return nil
}

func (e *Engine) CreateSession(ctx context.Context, session Session) (Session, error) {
	return e.chat.CreateSession(ctx, session)
}

func (e *Engine) ListSessions(ctx context.Context) ([]Session, error) {
	return e.chat.ListSessions(ctx)
}

// OpenSession makes a session known without asking the backend
func (e *Engine) OpenSession(session Session) error {
	return e.chat.OpenSession(session)
}

func (e *Engine) Resume(ctx context.Context, sessionID string) (bool, error) {
	return e.chat.Resume(ctx, sessionID)
}

// LeaveSession closes the session's channel and drops its transcript
func (e *Engine) LeaveSession(sessionID string) {
	e.chat.LeaveSession(sessionID)
}

func (e *Engine) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return e.chat.ListModels(ctx)
}

func (e *Engine) SubmitFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	return e.chat.SubmitFeedback(ctx, f)
}

func (e *Engine) Send(ctx context.Context, sessionID, content string) (*Turn, error) {
	return e.chat.Send(ctx, sessionID, content)
}

// Regenerate asks the participant behind messageID for another reply
func (e *Engine) Regenerate(ctx context.Context, sessionID, messageID string) (*Turn, error) {
	return e.chat.Regenerate(ctx, sessionID, messageID)
}

func (e *Engine) Cancel(sessionID string) bool {
	return e.chat.Cancel(sessionID)
}

func (e *Engine) View(sessionID string) []Message {
	return e.chat.View(sessionID)
}

// TurnStatus reports the buffer states of a turn
func (e *Engine) TurnStatus(turn *Turn) stream.TurnStatus {
	return e.mux.Status(turn)
}

func (e *Engine) Connect(ctx context.Context, sessionID string) error {
	return e.chat.Connect(ctx, sessionID)
}

func (e *Engine) Disconnect(sessionID string) {
	e.chat.Disconnect(sessionID)
}

func (e *Engine) ConnectionState(sessionID string) ConnectionState {
	return e.chat.ConnectionState(sessionID)
}

// SignIn swaps the credential provider, e.g. after a guest signs in
func (e *Engine) SignIn(ctx context.Context, p auth.Provider) error {
	return e.chat.SwitchCredentials(ctx, p)
}

func (e *Engine) Updates() (<-chan string, func()) {
	return e.chat.Updates()
}

func (e *Engine) Notifications(buffer int) (<-chan Notification, func()) {
	return e.notifier.Subscribe(buffer)
}

// Close stops background work and releases connections
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.running.Wait()

	if e.chat != nil {
		e.chat.Close()
	}
	var firstErr error
	for _, c := range e.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
