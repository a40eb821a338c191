// Package postgres implements store.Store on PostgreSQL via sqlx/pgx.
// Migrations are embedded and applied with goose. Uniqueness invariants are
// enforced by the schema; unique-violation errors surface as
// store.ErrConflict so callers never parse SQLSTATE themselves.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	db     *sqlx.DB
	cipher *secret.Cipher
}

// Open connects to the database, applies pending migrations and returns the
// store. The cipher encrypts integration secrets on write.
func Open(ctx context.Context, dsn string, cipher *secret.Cipher) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, cipher: cipher}, nil
}

// New wraps an existing connection without running migrations.
func New(db *sqlx.DB, cipher *secret.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements health checking for the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Users() store.Users                         { return (*users)(s) }
func (s *Store) Events() store.Events                       { return (*events)(s) }
func (s *Store) Integrations() store.Integrations           { return (*integrations)(s) }
func (s *Store) Subscriptions() store.Subscriptions         { return (*subscriptions)(s) }
func (s *Store) UnsubscribeTokens() store.UnsubscribeTokens { return (*unsubTokens)(s) }
func (s *Store) Invitations() store.Invitations             { return (*invitations)(s) }

// wrapErr maps low-level errors onto the store sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type users Store

func (r *users) ByID(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	err := (*Store)(r).db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("user by id", err)
	}
	return &u, nil
}

func (r *users) ByEmail(ctx context.Context, email string) (*store.User, error) {
	var u store.User
	err := (*Store)(r).db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE email = $1`, store.NormalizeEmail(email))
	if err != nil {
		return nil, wrapErr("user by email", err)
	}
	return &u, nil
}

func (r *users) Create(ctx context.Context, u *store.User) (*store.User, error) {
	var out store.User
	err := (*Store)(r).db.GetContext(ctx, &out, `
		INSERT INTO users (email, name, password_hash, is_verified)
		VALUES ($1, $2, $3, $4)
		RETURNING *`,
		store.NormalizeEmail(u.Email), u.Name, u.PasswordHash, u.IsVerified)
	if err != nil {
		return nil, wrapErr("create user", err)
	}
	return &out, nil
}

func (r *users) GetOrCreateByEmail(ctx context.Context, email, name string) (*store.User, bool, error) {
	// Upsert keyed on the unique email; xmax = 0 distinguishes a fresh
	// insert from an update of the existing row.
	var row struct {
		store.User
		Inserted bool `db:"inserted"`
	}
	err := (*Store)(r).db.GetContext(ctx, &row, `
		INSERT INTO users (email, name, is_verified)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING *, (xmax = 0) AS inserted`,
		store.NormalizeEmail(email), name)
	if err != nil {
		return nil, false, wrapErr("get or create user", err)
	}
	return &row.User, row.Inserted, nil
}

type events Store

func (r *events) ByID(ctx context.Context, id int64) (*store.Event, error) {
	var e store.Event
	err := (*Store)(r).db.GetContext(ctx, &e, `SELECT * FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("event by id", err)
	}
	return &e, nil
}

func (r *events) ByWorkflowID(ctx context.Context, workflowID string) (*store.Event, error) {
	var e store.Event
	err := (*Store)(r).db.GetContext(ctx, &e,
		`SELECT * FROM events WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, wrapErr("event by workflow id", err)
	}
	return &e, nil
}

func (r *events) Create(ctx context.Context, e *store.Event) (*store.Event, error) {
	tz := e.Timezone
	if tz == "" {
		tz = "UTC"
	}
	var out store.Event
	err := (*Store)(r).db.GetContext(ctx, &out, `
		INSERT INTO events (name, description, start_date, end_date, timezone,
		                    location, is_public, workflow_id, organizer_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING *`,
		e.Name, e.Description, e.StartDate.UTC(), nullableTime(e.EndDate), tz,
		e.Location, e.IsPublic, e.WorkflowID, e.OrganizerUserID)
	if err != nil {
		return nil, wrapErr("create event", err)
	}
	return &out, nil
}

func (r *events) Update(ctx context.Context, id int64, upd store.EventUpdate) (*store.Event, error) {
	var out store.Event
	err := (*Store)(r).db.GetContext(ctx, &out, `
		UPDATE events SET
			name        = COALESCE($2, name),
			description = COALESCE($3, description),
			start_date  = COALESCE($4, start_date),
			end_date    = COALESCE($5, end_date),
			location    = COALESCE($6, location),
			updated_at  = now()
		WHERE id = $1
		RETURNING *`,
		id, upd.Name, upd.Description, nullableTime(upd.StartDate),
		nullableTime(upd.EndDate), upd.Location)
	if err != nil {
		return nil, wrapErr("update event", err)
	}
	return &out, nil
}

func (r *events) Delete(ctx context.Context, id int64) error {
	res, err := (*Store)(r).db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete event: %w", store.ErrNotFound)
	}
	return nil
}

func (r *events) ListPublic(ctx context.Context, skip, limit int) ([]*store.Event, error) {
	var out []*store.Event
	err := (*Store)(r).db.SelectContext(ctx, &out, `
		SELECT * FROM events WHERE is_public
		ORDER BY start_date, id
		OFFSET GREATEST($1, 0) LIMIT NULLIF(GREATEST($2, 0), 0)`, skip, limit)
	if err != nil {
		return nil, wrapErr("list public events", err)
	}
	return out, nil
}

func (r *events) ListVisibleForUser(ctx context.Context, userID int64, skip, limit int) ([]*store.Event, error) {
	var out []*store.Event
	err := (*Store)(r).db.SelectContext(ctx, &out, `
		SELECT DISTINCT e.* FROM events e
		LEFT JOIN subscriptions s ON s.event_id = e.id AND s.user_id = $1
		WHERE e.is_public OR e.organizer_user_id = $1 OR s.id IS NOT NULL
		ORDER BY e.start_date, e.id
		OFFSET GREATEST($2, 0) LIMIT NULLIF(GREATEST($3, 0), 0)`, userID, skip, limit)
	if err != nil {
		return nil, wrapErr("list visible events", err)
	}
	return out, nil
}

func (r *events) CanView(ctx context.Context, eventID, userID int64) (bool, error) {
	var ok bool
	err := (*Store)(r).db.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM events e WHERE e.id = $1 AND (e.is_public OR e.organizer_user_id = $2)
			UNION ALL
			SELECT 1 FROM subscriptions s WHERE s.event_id = $1 AND s.user_id = $2
			UNION ALL
			SELECT 1 FROM event_invitations i
			JOIN users u ON u.id = $2 AND u.email = i.email
			WHERE i.event_id = $1 AND i.used_at IS NULL AND i.expires_at > now()
		)`, eventID, userID)
	if err != nil {
		return false, wrapErr("can view event", err)
	}
	return ok, nil
}

type integrations Store

func (r *integrations) ByID(ctx context.Context, id int64) (*store.Integration, error) {
	var in store.Integration
	err := (*Store)(r).db.GetContext(ctx, &in, `SELECT * FROM integrations WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("integration by id", err)
	}
	return &in, nil
}

func (r *integrations) ByUser(ctx context.Context, userID int64, activeOnly bool) ([]*store.Integration, error) {
	var out []*store.Integration
	err := (*Store)(r).db.SelectContext(ctx, &out, `
		SELECT * FROM integrations
		WHERE user_id = $1 AND ($2 = FALSE OR is_active)
		ORDER BY id`, userID, activeOnly)
	if err != nil {
		return nil, wrapErr("integrations by user", err)
	}
	return out, nil
}

func (r *integrations) ByUserAndTag(ctx context.Context, userID int64, tag string, activeOnly bool) ([]*store.Integration, error) {
	var out []*store.Integration
	err := (*Store)(r).db.SelectContext(ctx, &out, `
		SELECT * FROM integrations
		WHERE user_id = $1 AND tag = $2 AND ($3 = FALSE OR is_active)
		ORDER BY id`, userID, store.NormalizeTag(tag), activeOnly)
	if err != nil {
		return nil, wrapErr("integrations by user and tag", err)
	}
	return out, nil
}

func (r *integrations) Create(ctx context.Context, in store.IntegrationCreate) (*store.Integration, error) {
	s := (*Store)(r)
	tag := store.NormalizeTag(in.Tag)
	if tag == "" {
		return nil, fmt.Errorf("create integration: %w: tag must not be empty", store.ErrValidation)
	}
	encURL, err := s.cipher.Encrypt(in.DeliveryURL)
	if err != nil {
		return nil, fmt.Errorf("create integration: encrypt url: %w", err)
	}
	var encCfg []byte
	if in.Config != "" {
		if encCfg, err = s.cipher.Encrypt(in.Config); err != nil {
			return nil, fmt.Errorf("create integration: encrypt config: %w", err)
		}
	}
	var out store.Integration
	err = s.db.GetContext(ctx, &out, `
		INSERT INTO integrations (user_id, name, tag, integration_type,
		                          delivery_url_encrypted, config_encrypted)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		in.UserID, in.Name, tag, in.Type, encURL, encCfg)
	if err != nil {
		return nil, wrapErr("create integration", err)
	}
	return &out, nil
}

func (r *integrations) GetOrCreate(ctx context.Context, in store.IntegrationCreate) (*store.Integration, bool, error) {
	existing, err := r.lookup(ctx, in.UserID, in.Name, store.NormalizeTag(in.Tag))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	created, err := r.Create(ctx, in)
	if err == nil {
		return created, true, nil
	}
	// Lost a create race; the winner's row satisfies the request.
	if errors.Is(err, store.ErrConflict) {
		existing, lookupErr := r.lookup(ctx, in.UserID, in.Name, store.NormalizeTag(in.Tag))
		if lookupErr == nil {
			return existing, false, nil
		}
	}
	return nil, false, err
}

func (r *integrations) lookup(ctx context.Context, userID int64, name, tag string) (*store.Integration, error) {
	var in store.Integration
	err := (*Store)(r).db.GetContext(ctx, &in, `
		SELECT * FROM integrations WHERE user_id = $1 AND name = $2 AND tag = $3`,
		userID, name, tag)
	if err != nil {
		return nil, wrapErr("integration lookup", err)
	}
	return &in, nil
}

func (r *integrations) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := (*Store)(r).db.ExecContext(ctx,
		`UPDATE integrations SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return wrapErr("set integration active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set integration active: %w", store.ErrNotFound)
	}
	return nil
}

func (r *integrations) Delete(ctx context.Context, id int64) error {
	res, err := (*Store)(r).db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete integration", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete integration: %w", store.ErrNotFound)
	}
	return nil
}

type subscriptions Store

func (r *subscriptions) ByID(ctx context.Context, id int64) (*store.Subscription, error) {
	s := (*Store)(r)
	var sub store.Subscription
	err := s.db.GetContext(ctx, &sub, `SELECT * FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("subscription by id", err)
	}
	if err := s.attachChildren(ctx, []*store.Subscription{&sub}); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptions) ByEvent(ctx context.Context, eventID int64) ([]*store.Subscription, error) {
	s := (*Store)(r)
	// Subscriptions and their users in one query; selectors, reminders and
	// the users' integrations in one batched query each below. No
	// per-subscriber round trips.
	rows, err := s.db.QueryxContext(ctx, `
		SELECT s.id, s.event_id, s.user_id, s.created_at,
		       u.id AS u_id, u.email AS u_email, u.name AS u_name,
		       u.password_hash AS u_password_hash, u.is_verified AS u_is_verified,
		       u.created_at AS u_created_at, u.updated_at AS u_updated_at
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.event_id = $1
		ORDER BY s.id`, eventID)
	if err != nil {
		return nil, wrapErr("subscriptions by event", err)
	}
	defer rows.Close()

	var out []*store.Subscription
	for rows.Next() {
		var row struct {
			ID        int64      `db:"id"`
			EventID   int64      `db:"event_id"`
			UserID    int64      `db:"user_id"`
			CreatedAt time.Time  `db:"created_at"`
			UID       int64      `db:"u_id"`
			UEmail    string     `db:"u_email"`
			UName     string     `db:"u_name"`
			UPassword *string    `db:"u_password_hash"`
			UVerified bool       `db:"u_is_verified"`
			UCreated  time.Time  `db:"u_created_at"`
			UUpdated  time.Time  `db:"u_updated_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, wrapErr("subscriptions by event scan", err)
		}
		out = append(out, &store.Subscription{
			ID: row.ID, EventID: row.EventID, UserID: row.UserID, CreatedAt: row.CreatedAt,
			User: &store.User{
				ID: row.UID, Email: row.UEmail, Name: row.UName,
				PasswordHash: row.UPassword, IsVerified: row.UVerified,
				CreatedAt: row.UCreated, UpdatedAt: row.UUpdated,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("subscriptions by event", err)
	}
	if err := s.attachChildren(ctx, out); err != nil {
		return nil, err
	}
	if err := s.attachIntegrations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachIntegrations loads the subscribers' integrations in one batched query
// and hangs them off each subscription's user, so the resolver never reads
// the store during fan-out.
func (s *Store) attachIntegrations(ctx context.Context, subs []*store.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(subs))
	userIDs := make([]int64, 0, len(subs))
	for _, sub := range subs {
		if !seen[sub.UserID] {
			seen[sub.UserID] = true
			userIDs = append(userIDs, sub.UserID)
		}
	}
	query, args, err := sqlx.In(
		`SELECT * FROM integrations WHERE user_id IN (?) ORDER BY id`, userIDs)
	if err != nil {
		return fmt.Errorf("integrations query: %w", err)
	}
	var ins []*store.Integration
	if err := s.db.SelectContext(ctx, &ins, s.db.Rebind(query), args...); err != nil {
		return wrapErr("load integrations", err)
	}
	byUser := make(map[int64][]*store.Integration)
	for _, in := range ins {
		byUser[in.UserID] = append(byUser[in.UserID], in)
	}
	for _, sub := range subs {
		if sub.User != nil {
			sub.User.Integrations = byUser[sub.UserID]
		}
	}
	return nil
}

// attachChildren loads selectors and reminders for the given subscriptions in
// two batched queries.
func (s *Store) attachChildren(ctx context.Context, subs []*store.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	ids := make([]int64, len(subs))
	byID := make(map[int64]*store.Subscription, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
		byID[sub.ID] = sub
	}
	query, args, err := sqlx.In(
		`SELECT * FROM subscription_selectors WHERE subscription_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("selectors query: %w", err)
	}
	var sels []store.Selector
	if err := s.db.SelectContext(ctx, &sels, s.db.Rebind(query), args...); err != nil {
		return wrapErr("load selectors", err)
	}
	for _, sel := range sels {
		sub := byID[sel.SubscriptionID]
		sub.Selectors = append(sub.Selectors, sel)
	}
	query, args, err = sqlx.In(
		`SELECT * FROM subscription_reminders WHERE subscription_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("reminders query: %w", err)
	}
	var rems []store.Reminder
	if err := s.db.SelectContext(ctx, &rems, s.db.Rebind(query), args...); err != nil {
		return wrapErr("load reminders", err)
	}
	for _, rem := range rems {
		sub := byID[rem.SubscriptionID]
		sub.Reminders = append(sub.Reminders, rem)
	}
	return nil
}

func (r *subscriptions) ByEventAndUser(ctx context.Context, eventID, userID int64) (*store.Subscription, error) {
	s := (*Store)(r)
	var sub store.Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT * FROM subscriptions WHERE event_id = $1 AND user_id = $2`, eventID, userID)
	if err != nil {
		return nil, wrapErr("subscription by event and user", err)
	}
	if err := s.attachChildren(ctx, []*store.Subscription{&sub}); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptions) Create(ctx context.Context, eventID, userID int64, selectors []store.SelectorSpec, offsets []int64) (*store.Subscription, error) {
	s := (*Store)(r)
	for _, spec := range selectors {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	for _, off := range offsets {
		if off < 0 {
			return nil, fmt.Errorf("%w: negative reminder offset %d", store.ErrValidation, off)
		}
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create subscription: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sub store.Subscription
	err = tx.GetContext(ctx, &sub, `
		INSERT INTO subscriptions (event_id, user_id)
		VALUES ($1, $2) RETURNING *`, eventID, userID)
	if err != nil {
		return nil, wrapErr("create subscription", err)
	}
	for _, spec := range selectors {
		var tag *string
		if spec.Tag != nil {
			normalized := store.NormalizeTag(*spec.Tag)
			tag = &normalized
		}
		var sel store.Selector
		err = tx.GetContext(ctx, &sel, `
			INSERT INTO subscription_selectors (subscription_id, integration_id, tag)
			VALUES ($1, $2, $3) RETURNING *`, sub.ID, spec.IntegrationID, tag)
		if err != nil {
			return nil, wrapErr("create selector", err)
		}
		sub.Selectors = append(sub.Selectors, sel)
	}
	for _, off := range offsets {
		var rem store.Reminder
		err = tx.GetContext(ctx, &rem, `
			INSERT INTO subscription_reminders (subscription_id, offset_seconds)
			VALUES ($1, $2) RETURNING *`, sub.ID, off)
		if err != nil {
			return nil, wrapErr("create reminder", err)
		}
		sub.Reminders = append(sub.Reminders, rem)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create subscription: commit: %w", err)
	}
	return &sub, nil
}

func (r *subscriptions) ReminderOffsetsByEvent(ctx context.Context, eventID int64) (map[int64][]int64, error) {
	rows, err := (*Store)(r).db.QueryContext(ctx, `
		SELECT s.id, r.offset_seconds
		FROM subscriptions s
		LEFT JOIN subscription_reminders r ON r.subscription_id = s.id
		WHERE s.event_id = $1
		ORDER BY s.id, r.offset_seconds`, eventID)
	if err != nil {
		return nil, wrapErr("reminder offsets by event", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var subID int64
		var offset sql.NullInt64
		if err := rows.Scan(&subID, &offset); err != nil {
			return nil, wrapErr("reminder offsets scan", err)
		}
		if _, ok := out[subID]; !ok {
			out[subID] = nil
		}
		if offset.Valid {
			out[subID] = append(out[subID], offset.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("reminder offsets by event", err)
	}
	return out, nil
}

func (r *subscriptions) Delete(ctx context.Context, id int64) error {
	res, err := (*Store)(r).db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete subscription: %w", store.ErrNotFound)
	}
	return nil
}

type unsubTokens Store

func (r *unsubTokens) Create(ctx context.Context, t *store.UnsubscribeToken) error {
	_, err := (*Store)(r).db.ExecContext(ctx, `
		INSERT INTO unsubscribe_tokens (token, subscription_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`,
		t.Token, t.SubscriptionID, t.CreatedAt.UTC(), t.ExpiresAt.UTC())
	return wrapErr("create unsubscribe token", err)
}

func (r *unsubTokens) ByToken(ctx context.Context, token string) (*store.UnsubscribeToken, error) {
	var t store.UnsubscribeToken
	err := (*Store)(r).db.GetContext(ctx, &t,
		`SELECT * FROM unsubscribe_tokens WHERE token = $1`, token)
	if err != nil {
		return nil, wrapErr("unsubscribe token by token", err)
	}
	return &t, nil
}

func (r *unsubTokens) MarkUsed(ctx context.Context, token string) error {
	res, err := (*Store)(r).db.ExecContext(ctx,
		`UPDATE unsubscribe_tokens SET used_at = now() WHERE token = $1`, token)
	if err != nil {
		return wrapErr("mark unsubscribe token used", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark unsubscribe token used: %w", store.ErrNotFound)
	}
	return nil
}

type invitations Store

func (r *invitations) Create(ctx context.Context, inv *store.Invitation) (*store.Invitation, error) {
	var out store.Invitation
	err := (*Store)(r).db.GetContext(ctx, &out, `
		INSERT INTO event_invitations (event_id, email, token, invited_by_user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`,
		inv.EventID, store.NormalizeEmail(inv.Email), inv.Token,
		inv.InvitedByUserID, inv.ExpiresAt.UTC())
	if err != nil {
		return nil, wrapErr("create invitation", err)
	}
	return &out, nil
}

func (r *invitations) ByToken(ctx context.Context, token string) (*store.Invitation, error) {
	var inv store.Invitation
	err := (*Store)(r).db.GetContext(ctx, &inv,
		`SELECT * FROM event_invitations WHERE token = $1`, token)
	if err != nil {
		return nil, wrapErr("invitation by token", err)
	}
	return &inv, nil
}

func (r *invitations) ByEvent(ctx context.Context, eventID int64) ([]*store.Invitation, error) {
	var out []*store.Invitation
	err := (*Store)(r).db.SelectContext(ctx, &out,
		`SELECT * FROM event_invitations WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, wrapErr("invitations by event", err)
	}
	return out, nil
}

func (r *invitations) MarkUsed(ctx context.Context, id int64) error {
	res, err := (*Store)(r).db.ExecContext(ctx,
		`UPDATE event_invitations SET used_at = now() WHERE id = $1`, id)
	if err != nil {
		return wrapErr("mark invitation used", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark invitation used: %w", store.ErrNotFound)
	}
	return nil
}

func nullableTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
