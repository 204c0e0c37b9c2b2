package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

const ticketNumberPad = 3

// PostgreSQL error codes that mean "try again" rather than "broken".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeUniqueViolation      = "23505"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

type Options struct {
	Logger *zap.Logger
	// Location defines the calendar day used for ticket numbering.
	Location *time.Location
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	return &Store{
		pool:     pool,
		logger:   logger,
		location: location,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewPool opens a pool whose sessions carry the configured lock and
// statement timeouts.
func NewPool(ctx context.Context, dsn string, lockTimeout, statementTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if lockTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["lock_timeout"] = durationParam(lockTimeout)
	}
	if statementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = durationParam(statementTimeout)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// durationParam renders d in milliseconds, the default unit of both settings.
func durationParam(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// serializable runs fn in one SERIALIZABLE transaction and classifies any
// failure into the store error taxonomy.
func (s *Store) serializable(ctx context.Context, op string, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return s.classify(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return s.classify(op, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return s.classify(op, err)
	}
	return nil
}

func (s *Store) classify(op string, err error) error {
	var domainErr *store.Error
	if errors.As(err, &domainErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled, codeUniqueViolation:
			s.logger.Info("transaction conflict",
				zap.String("op", op),
				zap.String("sqlstate", pgErr.Code),
			)
			return store.ErrConflict.Wrap(err)
		}
	}
	infra := store.Infrastructure(err)
	s.logger.Error("store failure",
		zap.String("op", op),
		zap.String("correlation_id", infra.CorrelationID),
		zap.Error(err),
	)
	return infra
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func stringOrEmpty(value sql.NullString) string {
	if !value.Valid {
		return ""
	}
	return value.String
}
