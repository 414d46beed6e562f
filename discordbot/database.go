package discordbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond unix timestamps
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Request outcomes, as stored on ModelRequest
const (
	RequestOutcomeSuccess   = "success"
	RequestOutcomeExhausted = "exhausted"
	RequestOutcomeSelection = "selection"
	RequestOutcomeCancelled = "cancelled"
)

// ModelRequest records one run of the reply pipeline: what triggered it,
// which models were tried, and how it ended.
type ModelRequest struct {
	ModelUintID
	ModelUnixTime
	RequestID     string      `gorm:"uniqueIndex" json:"request_id"`
	Trigger       TriggerKind `gorm:"index" json:"trigger"`
	GuildID       string      `json:"guild_id"`
	ChannelID     string      `json:"channel_id"`
	UserID        string      `gorm:"index" json:"user_id"`
	MessageID     string      `json:"message_id"`
	InteractionID string      `json:"interaction_id"`

	Strategy      HistoryStrategy `json:"strategy"`
	FragmentCount int             `json:"fragment_count"`
	ImageCount    int             `json:"image_count"`
	PromptKind    string          `json:"prompt_kind"`

	Roster     string `json:"roster"`
	StartIndex int    `json:"start_index"`
	ModelUsed  string `json:"model_used"`
	Attempts   int    `json:"attempts"`

	// Failures lists failed attempts as model=outcome, comma separated
	Failures   string `json:"failures"`
	Outcome    string `gorm:"index" json:"outcome"`
	Error      string `json:"error,omitempty"`
	ChunkCount int    `json:"chunk_count"`
	DurationMS int64  `json:"duration_ms"`
}

func (r ModelRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("request_id", r.RequestID),
		slog.String("trigger", string(r.Trigger)),
		slog.String("model_used", r.ModelUsed),
		slog.Int("attempts", r.Attempts),
		slog.String("outcome", r.Outcome),
		slog.Int64("duration_ms", r.DurationMS),
	)
}

// setInvocation copies the result of a model invocation onto r
func (r *ModelRequest) setInvocation(roster []string, startIndex int, inv Invocation) {
	r.Roster = strings.Join(roster, ",")
	r.StartIndex = startIndex
	r.ModelUsed = inv.Model
	r.Attempts = len(inv.Attempts)

	failures := make([]string, 0, len(inv.Attempts))
	for _, a := range inv.Attempts {
		if a.Outcome.Kind != OutcomeSuccess {
			failures = append(failures, a.Model+"="+a.Outcome.Kind.String())
		}
	}
	r.Failures = strings.Join(failures, ",")

	switch {
	case inv.Err == nil:
		r.Outcome = RequestOutcomeSuccess
	case errors.Is(inv.Err, ErrModelSelection):
		r.Outcome = RequestOutcomeSelection
	case errors.Is(inv.Err, context.Canceled):
		r.Outcome = RequestOutcomeCancelled
	default:
		r.Outcome = RequestOutcomeExhausted
	}
	if inv.Err != nil {
		r.Error = inv.Err.Error()
	}
}

// DiscordMessage is a DB model which logs an incoming message that
// triggered the bot.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `gorm:"index" json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}
	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	}

	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("referenced_message_id", m.ReferencedMessageID),
	)
}

// DBI defines the write operations used by the bot. SQLite writes are
// serialized; postgres writes are not.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
}

type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// begin takes the write lock, if needed, and applies dbOperationTimeout
// when ctx has no deadline. The returned func releases both.
func (d *database) begin(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (int64, error) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens the database and migrates the bot's tables.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{Level: slog.LevelWarn, AddSource: true},
	)
	slog.New(handler).InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
	if err != nil {
		return nil, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(
		&ModelRequest{},
		&DiscordMessage{},
	); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}
	return nil
}

// getDB opens a gorm connection. For sqlite, database is a file path
// and its parent directory is created if missing.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite limits the pool to one connection and applies pragmas
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	errs := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		errs = append(errs, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(errs...)
}

// RecentRequests returns up to limit ModelRequest rows, newest first.
// A non-empty outcome filters by ModelRequest.Outcome.
func RecentRequests(
	ctx context.Context,
	db *gorm.DB,
	limit int,
	outcome string,
) ([]ModelRequest, error) {
	q := db.WithContext(ctx).Order("id desc").Limit(limit)
	if outcome != "" {
		q = q.Where("outcome = ?", outcome)
	}
	var rows []ModelRequest
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
