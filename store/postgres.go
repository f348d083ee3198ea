package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStore is the Postgres-backed Store. Session resolution runs as a
// single transaction holding a row lock on the user, which keeps the
// at-most-one-live-session invariant under multiple consumer instances.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens the database, verifies the connection and applies
// the embedded schema.
func NewPostgresStore(config DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.initializeSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// ResolveSession returns the live session for the turn's (bot, user) pair or
// atomically creates a fresh one. The user row lock serializes concurrent
// resolves for the same pair even before any session row exists; a lock on
// the session scan alone would cover nothing when the scan matches zero rows.
func (s *PostgresStore) ResolveSession(ctx context.Context, turnID string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve: %w", err)
	}
	defer tx.Rollback()

	turn, timeoutSecs, err := s.turnWithTimeout(ctx, tx, turnID)
	if err != nil {
		return nil, err
	}
	if err := s.lockUser(ctx, tx, turn.UserID); err != nil {
		return nil, err
	}

	sess := &Session{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, bot_id, channel_id, user_id, state, updated_at, created_at
		FROM sessions
		WHERE bot_id = $1 AND user_id = $2
		  AND updated_at > NOW() - make_interval(secs => $3)
		ORDER BY updated_at DESC
		LIMIT 1`,
		turn.BotID, turn.UserID, timeoutSecs,
	).Scan(&sess.ID, &sess.BotID, &sess.ChannelID, &sess.UserID, &sess.State, &sess.UpdatedAt, &sess.CreatedAt)
	switch {
	case err == nil:
		return sess, tx.Commit()
	case errors.Is(err, sql.ErrNoRows):
		sess, err = s.insertSession(ctx, tx, turn)
		if err != nil {
			return nil, err
		}
		return sess, tx.Commit()
	default:
		return nil, fmt.Errorf("resolve session: %w", err)
	}
}

// ForceNewSession unconditionally creates a fresh session for the turn.
func (s *PostgresStore) ForceNewSession(ctx context.Context, turnID string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin force-new: %w", err)
	}
	defer tx.Rollback()

	turn, _, err := s.turnWithTimeout(ctx, tx, turnID)
	if err != nil {
		return nil, err
	}
	if err := s.lockUser(ctx, tx, turn.UserID); err != nil {
		return nil, err
	}
	sess, err := s.insertSession(ctx, tx, turn)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

// PersistState overwrites the opaque state blob and bumps updated_at.
func (s *PostgresStore) PersistState(ctx context.Context, sessionID string, state json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = $2, updated_at = NOW() WHERE id = $1`,
		sessionID, []byte(state))
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFoundError("session", sessionID)
	}
	return nil
}

// lockUser takes a row lock on the user for the duration of tx. The user
// row always exists once a turn does, so the lock holds regardless of
// whether a session row exists yet.
func (s *PostgresStore) lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError("user", userID)
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func (s *PostgresStore) turnWithTimeout(ctx context.Context, tx *sql.Tx, turnID string) (*Turn, int64, error) {
	turn := &Turn{}
	var timeoutSecs int64
	err := tx.QueryRowContext(ctx, `
		SELECT t.id, t.bot_id, t.channel_id, t.user_id, t.created_at, b.session_timeout_seconds
		FROM turns t JOIN bots b ON b.id = t.bot_id
		WHERE t.id = $1`,
		turnID,
	).Scan(&turn.ID, &turn.BotID, &turn.ChannelID, &turn.UserID, &turn.CreatedAt, &timeoutSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, NewNotFoundError("turn", turnID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load turn: %w", err)
	}
	return turn, timeoutSecs, nil
}

func (s *PostgresStore) insertSession(ctx context.Context, tx *sql.Tx, turn *Turn) (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		BotID:     turn.BotID,
		ChannelID: turn.ChannelID,
		UserID:    turn.UserID,
		State:     json.RawMessage(`{}`),
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sessions (id, bot_id, channel_id, user_id, state)
		VALUES ($1, $2, $3, $4, '{}')
		RETURNING updated_at, created_at`,
		sess.ID, sess.BotID, sess.ChannelID, sess.UserID,
	).Scan(&sess.UpdatedAt, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// =============================================================================
// BOTS
// =============================================================================

func (s *PostgresStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.Status == "" {
		bot.Status = BotStatusActive
	}
	creds, err := json.Marshal(bot.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	env, err := json.Marshal(bot.ConfigEnv)
	if err != nil {
		return fmt.Errorf("marshal config_env: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO bots (id, name, fsm_code, requirements_txt, index_urls, credentials,
			required_credentials, config_env, languages, session_timeout_seconds, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			fsm_code = EXCLUDED.fsm_code,
			requirements_txt = EXCLUDED.requirements_txt,
			index_urls = EXCLUDED.index_urls,
			credentials = EXCLUDED.credentials,
			required_credentials = EXCLUDED.required_credentials,
			config_env = EXCLUDED.config_env,
			languages = EXCLUDED.languages,
			session_timeout_seconds = EXCLUDED.session_timeout_seconds,
			status = EXCLUDED.status
		RETURNING created_at`,
		bot.ID, bot.Name, bot.FSMCode, bot.RequirementsTxt, pq.Array(bot.IndexURLs),
		creds, pq.Array(bot.RequiredCredentials), env, pq.Array(bot.Languages),
		int64(bot.SessionTimeout/time.Second), bot.Status,
	).Scan(&bot.CreatedAt)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, fsm_code, requirements_txt, index_urls, credentials,
			required_credentials, config_env, languages, session_timeout_seconds, status, created_at
		FROM bots WHERE id = $1`, botID)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("bot", botID)
	}
	return bot, err
}

func (s *PostgresStore) ListActiveBots(ctx context.Context) ([]*Bot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, fsm_code, requirements_txt, index_urls, credentials,
			required_credentials, config_env, languages, session_timeout_seconds, status, created_at
		FROM bots WHERE status != 'deleted'`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateBotStatus(ctx context.Context, botID string, status BotStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET status = $2 WHERE id = $1`, botID, status)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFoundError("bot", botID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	bot := &Bot{}
	var (
		creds, env   []byte
		timeoutSecs  int64
		indexURLs    pq.StringArray
		requiredCred pq.StringArray
		languages    pq.StringArray
	)
	err := row.Scan(&bot.ID, &bot.Name, &bot.FSMCode, &bot.RequirementsTxt, &indexURLs,
		&creds, &requiredCred, &env, &languages, &timeoutSecs, &bot.Status, &bot.CreatedAt)
	if err != nil {
		return nil, err
	}
	bot.IndexURLs = indexURLs
	bot.RequiredCredentials = requiredCred
	bot.Languages = languages
	bot.SessionTimeout = time.Duration(timeoutSecs) * time.Second
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &bot.Credentials); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &bot.ConfigEnv); err != nil {
			return nil, fmt.Errorf("unmarshal config_env: %w", err)
		}
	}
	return bot, nil
}

// =============================================================================
// CHANNELS
// =============================================================================

func (s *PostgresStore) CreateChannel(ctx context.Context, channel *Channel) error {
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	if channel.Status == "" {
		channel.Status = ChannelStatusInactive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, bot_id, name, type, key, app_id, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		channel.ID, channel.BotID, channel.Name, channel.Type, channel.Key,
		channel.AppID, channel.URL, channel.Status)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChannelByTurn(ctx context.Context, turnID string) (*Channel, error) {
	channel := &Channel{}
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.bot_id, c.name, c.type, c.key, c.app_id, c.url, c.status
		FROM channels c JOIN turns t ON t.channel_id = c.id
		WHERE t.id = $1`, turnID,
	).Scan(&channel.ID, &channel.BotID, &channel.Name, &channel.Type, &channel.Key,
		&channel.AppID, &channel.URL, &channel.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("channel", turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by turn: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) GetBotAndChannelByAppID(ctx context.Context, appID, channelType string) (*Bot, *Channel, error) {
	channel := &Channel{}
	var botID string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.bot_id, c.name, c.type, c.key, c.app_id, c.url, c.status
		FROM channels c JOIN bots b ON b.id = c.bot_id
		WHERE c.app_id = $1 AND c.type = $2 AND c.status = 'active' AND b.status = 'active'`,
		appID, channelType,
	).Scan(&channel.ID, &channel.BotID, &channel.Name, &channel.Type, &channel.Key,
		&channel.AppID, &channel.URL, &channel.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, NewNotFoundError("channel", appID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get channel by app id: %w", err)
	}
	botID = channel.BotID
	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return nil, nil, err
	}
	return bot, channel, nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, bot_id, identifier, name, language)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		user.ID, user.BotID, user.Identifier, user.Name, user.Language,
	).Scan(&user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByIdentifier(ctx context.Context, botID, identifier string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, identifier, name, language, created_at
		FROM users WHERE bot_id = $1 AND identifier = $2`,
		botID, identifier,
	).Scan(&user.ID, &user.BotID, &user.Identifier, &user.Name, &user.Language, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("user", identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByTurn(ctx context.Context, turnID string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.bot_id, u.identifier, u.name, u.language, u.created_at
		FROM users u JOIN turns t ON t.user_id = u.id
		WHERE t.id = $1`, turnID,
	).Scan(&user.ID, &user.BotID, &user.Identifier, &user.Name, &user.Language, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("user", turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by turn: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserLanguageByTurn(ctx context.Context, turnID, language string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET language = $2
		WHERE id = (SELECT user_id FROM turns WHERE id = $1)`,
		turnID, language)
	if err != nil {
		return fmt.Errorf("update user language: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFoundError("turn", turnID)
	}
	return nil
}

// =============================================================================
// TURNS
// =============================================================================

func (s *PostgresStore) CreateTurn(ctx context.Context, turn *Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO turns (id, bot_id, channel_id, user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		turn.ID, turn.BotID, turn.ChannelID, turn.UserID,
	).Scan(&turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	turn := &Turn{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, channel_id, user_id, created_at FROM turns WHERE id = $1`,
		turnID,
	).Scan(&turn.ID, &turn.BotID, &turn.ChannelID, &turn.UserID, &turn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("turn", turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

func (s *PostgresStore) CreateMessage(ctx context.Context, rec *MessageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, turn_id, direction, message_type, payload, delivered)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		rec.ID, rec.TurnID, rec.Direction, rec.MessageType, []byte(rec.Payload), rec.Delivered,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkMessageDelivered(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET delivered = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFoundError("message", messageID)
	}
	return nil
}

// =============================================================================
// PLUGIN REFERENCES
// =============================================================================

func (s *PostgresStore) CreatePluginReference(ctx context.Context, ref *PluginReference) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO plugin_references (id, session_id, turn_id)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		ref.ID, ref.SessionID, ref.TurnID,
	).Scan(&ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("create plugin reference: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPluginReference(ctx context.Context, token string) (*PluginReference, error) {
	ref := &PluginReference{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, turn_id, created_at FROM plugin_references WHERE id = $1`,
		token,
	).Scan(&ref.ID, &ref.SessionID, &ref.TurnID, &ref.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("plugin_reference", token)
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin reference: %w", err)
	}
	return ref, nil
}

func (s *PostgresStore) DeletePluginReferencesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_references WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep plugin references: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
