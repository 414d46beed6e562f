package discordbot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const postgresNotifyChannelReload = "discordbot_reload_config"

var (
	dbNotifierRetryInterval = 5 * time.Second
	dbNotifierSendTimeout   = 15 * time.Second
)

// DBNotifier tells other bot instances sharing the database to reload
// their config. Each notifier ignores its own notifications.
type DBNotifier interface {
	// ID identifies this instance in notification payloads
	ID() string

	// NotifyReload asks peer instances to reload their config. It does
	// not reload the local instance.
	NotifyReload(ctx context.Context) bool

	// Listen blocks until ctx is done, calling onReload for each
	// reload notification from a peer.
	Listen(ctx context.Context, onReload func(ctx context.Context)) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db *gorm.DB,
	logger *slog.Logger,
) (DBNotifier, error) {
	id, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	logger = logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{id: id, logger: logger}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			id:      id,
			dsn:     dsn,
			db:      db,
			logger:  logger,
			channel: postgresNotifyChannelReload,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// sqliteNotifier is used when the database can't be shared between
// instances, so there are never peers to notify.
type sqliteNotifier struct {
	id     string
	logger *slog.Logger
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (s *sqliteNotifier) NotifyReload(ctx context.Context) bool {
	s.logger.DebugContext(ctx, "no peers to notify of reload")
	return true
}

func (s *sqliteNotifier) Listen(ctx context.Context, _ func(context.Context)) error {
	s.logger.DebugContext(ctx, "listener not used for sqlite")
	return nil
}

// postgresNotifier uses LISTEN/NOTIFY to reach peer instances
type postgresNotifier struct {
	id      string
	dsn     string
	db      *gorm.DB
	logger  *slog.Logger
	channel string
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) NotifyReload(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()
	if err := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.channel,
		p.id,
	).Error; err != nil {
		p.logger.ErrorContext(ctx, "error sending reload notification", tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent reload notification", "notify_id", p.id)
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, onReload func(context.Context)) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	logger := p.logger.With("channel", p.channel)
	for ctx.Err() == nil {
		if e := p.listenConn(ctx, pool, logger, onReload); e != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "listener failed, retrying", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryInterval):
			}
		}
	}
	return nil
}

// listenerConn is the part of *pgx.Conn used while listening
type listenerConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// listenConn takes a connection out of the pool and holds it in LISTEN
// until it fails or ctx is done. The connection is closed afterwards
// rather than released, so no pooled connection stays subscribed.
func (p *postgresNotifier) listenConn(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *slog.Logger,
	onReload func(context.Context),
) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	return p.listenOn(ctx, conn.Hijack(), logger, onReload)
}

func (p *postgresNotifier) listenOn(
	ctx context.Context,
	conn listenerConn,
	logger *slog.Logger,
	onReload func(context.Context),
) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			logger.WarnContext(ctx, "error closing listener connection", tint.Err(err))
		}
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "listening for notifications")

	for {
		notification, e := conn.WaitForNotification(ctx)
		if e != nil {
			if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
				return nil
			}
			return e
		}
		if notification.Payload == p.id {
			logger.DebugContext(ctx, "ignoring notification from self")
			continue
		}
		logger.InfoContext(
			ctx,
			"received reload notification",
			"from", notification.Payload,
		)
		onReload(ctx)
	}
}

func generateRandomHexString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
