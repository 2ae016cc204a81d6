package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               TEXT PRIMARY KEY,
	address          TEXT NOT NULL UNIQUE,
	username         TEXT UNIQUE,
	burn_tx          TEXT UNIQUE,
	burn_status      TEXT,
	balance_snapshot TEXT NOT NULL DEFAULT '0',
	tier_snapshot    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	registered_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS burn_audit (
	id              TEXT PRIMARY KEY,
	address         TEXT NOT NULL,
	username        TEXT NOT NULL,
	burn_tx         TEXT NOT NULL,
	expected_amount TEXT NOT NULL,
	status          TEXT NOT NULL,
	detail          TEXT NOT NULL,
	recorded_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_burn_audit_burn_tx ON burn_audit(burn_tx);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	identity    TEXT NOT NULL,
	address     TEXT NOT NULL,
	ip_address  TEXT NOT NULL,
	user_agent  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	metadata    TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_identity ON audit_log(identity);
`

type userRow struct {
	ID              string          `db:"id"`
	Address         string          `db:"address"`
	Username        sql.NullString  `db:"username"`
	BalanceSnapshot decimal.Decimal `db:"balance_snapshot"`
	TierSnapshot    string          `db:"tier_snapshot"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r userRow) toUser() *core.User {
	return &core.User{
		ID:              r.ID,
		Address:         r.Address,
		Username:        r.Username.String,
		BalanceSnapshot: r.BalanceSnapshot,
		TierSnapshot:    r.TierSnapshot,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

const userColumns = `id, address, username, balance_snapshot, tier_snapshot, created_at`

// SQLUserStore implements ports.UserStore on postgres or sqlite through sqlx.
// Username and burn reference uniqueness are table constraints.
type SQLUserStore struct {
	db          *sqlx.DB
	defaultTier string
}

var _ ports.UserStore = (*SQLUserStore)(nil)

// NewSQLUserStore connects, pings and initialises the schema. New users get defaultTier
// as their tier snapshot.
func NewSQLUserStore(ctx context.Context, driver, dsn, defaultTier string) (*SQLUserStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLUserStore{db: db, defaultTier: defaultTier}, nil
}

// EnsureUser returns the user bound to address, creating it on first use
func (s *SQLUserStore) EnsureUser(ctx context.Context, address string) (*core.User, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, address, balance_snapshot, tier_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (address) DO NOTHING`),
		uuid.New().String(), address, decimal.Zero, s.defaultTier, time.Now().UTC(),
	)
	if err != nil {
		return nil, storageError("insert user", err)
	}

	return s.GetUserByAddress(ctx, address)
}

// GetUserByID retrieves a user by id
func (s *SQLUserStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByAddress retrieves a user by wallet address
func (s *SQLUserStore) GetUserByAddress(ctx context.Context, address string) (*core.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE address = ?`, address)
}

func (s *SQLUserStore) getUser(ctx context.Context, query string, arg string) (*core.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrUserNotFound
		}
		return nil, storageError("query user", err)
	}

	return row.toUser(), nil
}

// UpdateTierSnapshot records the last resolved balance and tier
func (s *SQLUserStore) UpdateTierSnapshot(ctx context.Context, userID string, balance decimal.Decimal, tier string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET balance_snapshot = ?, tier_snapshot = ? WHERE id = ?`),
		balance, tier, userID,
	)
	if err != nil {
		return storageError("update tier snapshot", err)
	}
	return nil
}

// ClaimUsername binds a username in a single conditional UPDATE. The unique
// constraints on username and burn_tx decide concurrent claims.
func (s *SQLUserStore) ClaimUsername(ctx context.Context, claim core.UsernameClaim) (*core.User, error) {
	burnTx := sql.NullString{String: claim.BurnTx, Valid: claim.BurnTx != ""}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE users
		SET username = ?, burn_tx = ?, burn_status = ?, registered_at = ?
		WHERE id = ? AND username IS NULL`),
		claim.Username, burnTx, string(claim.BurnStatus), claim.ClaimedAt.UTC(), claim.UserID,
	)
	if err != nil {
		if conflict := uniqueViolation(err); conflict != nil {
			return nil, conflict
		}
		return nil, storageError("claim username", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageError("claim username", err)
	}

	user, err := s.GetUserByID(ctx, claim.UserID)
	if err != nil {
		return nil, err
	}

	if affected == 0 && !user.HasUsername() {
		return nil, core.ErrUserNotFound
	}

	return user, nil
}

// RecordBurnAudit appends a burn check to the audit trail
func (s *SQLUserStore) RecordBurnAudit(ctx context.Context, audit core.BurnAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO burn_audit (id, address, username, burn_tx, expected_amount, status, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		audit.ID, audit.Address, audit.Username, audit.BurnTx, audit.Expected,
		string(audit.Status), audit.Detail, audit.RecordedAt.UTC(),
	)
	if err != nil {
		return storageError("insert burn audit", err)
	}
	return nil
}

// BurnAudits lists the audit trail of a burn reference, oldest first
func (s *SQLUserStore) BurnAudits(ctx context.Context, burnTx string) ([]core.BurnAudit, error) {
	var audits []core.BurnAudit
	err := s.db.SelectContext(ctx, &audits, s.db.Rebind(`
		SELECT id, address, username, burn_tx, expected_amount, status, detail, recorded_at
		FROM burn_audit WHERE burn_tx = ? ORDER BY recorded_at`), burnTx)
	if err != nil {
		return nil, storageError("query burn audit", err)
	}
	return audits, nil
}

// AppendAudit appends to the security audit log. Replayed events are ignored.
func (s *SQLUserStore) AppendAudit(ctx context.Context, event core.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (id, action, identity, address, ip_address, user_agent, reason, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		event.ID, string(event.Action), event.Identity, event.Address, event.IPAddress,
		event.UserAgent, string(event.Reason), string(metadata), event.OccurredAt.UTC(),
	)
	if err != nil {
		return storageError("insert audit event", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLUserStore) Close() error {
	return s.db.Close()
}

// uniqueViolation translates a unique constraint failure into the domain conflict it represents
func uniqueViolation(err error) error {
	var (
		pqErr   *pq.Error
		liteErr sqlite3.Error
		column  string
	)

	switch {
	case errors.As(err, &pqErr) && pqErr.Code == "23505":
		column = pqErr.Constraint + " " + pqErr.Detail
	case errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		column = liteErr.Error()
	default:
		return nil
	}

	if strings.Contains(column, "burn_tx") {
		return errors.Join(core.ErrBurnAlreadyUsed, err)
	}
	return errors.Join(core.ErrUsernameTaken, err)
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, core.ErrStorageUnavailable, err)
}
