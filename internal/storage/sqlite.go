package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/SirClappington/queuectl/internal/domain"
)

// SQLite stores timestamps as unix microseconds so ordering and range
// predicates compare integers.
type SQLite struct{ db *sqlx.DB }

type sqliteRow struct {
	ID         string         `db:"id"`
	Command    string         `db:"command"`
	State      string         `db:"state"`
	Attempts   int            `db:"attempts"`
	MaxRetries sql.NullInt64  `db:"max_retries"`
	RunAt      int64          `db:"run_at"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
	LastError  sql.NullString `db:"last_error"`
}

func (r sqliteRow) job() domain.Job {
	j := domain.Job{
		ID:        r.ID,
		Command:   r.Command,
		State:     domain.State(r.State),
		Attempts:  r.Attempts,
		RunAt:     fromMicros(r.RunAt),
		CreatedAt: fromMicros(r.CreatedAt),
		UpdatedAt: fromMicros(r.UpdatedAt),
	}
	if r.MaxRetries.Valid {
		n := int(r.MaxRetries.Int64)
		j.MaxRetries = &n
	}
	if r.LastError.Valid {
		s := r.LastError.String
		j.LastError = &s
	}
	return j
}

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

// sqliteDSN turns a plain path into a modernc DSN with WAL and a busy
// timeout so several connections can share one file.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) DB() *sql.DB { return s.db.DB }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Insert(ctx context.Context, j *domain.Job) error {
	var maxRetries any
	if j.MaxRetries != nil {
		maxRetries = *j.MaxRetries
	}
	res, err := s.db.ExecContext(ctx, `insert into jobs (`+jobColumns+`)
values (?,?,?,?,?,?,?,?,?)
on conflict (id) do nothing`,
		j.ID, j.Command, string(j.State), j.Attempts, maxRetries,
		j.RunAt.UnixMicro(), j.CreatedAt.UnixMicro(), j.UpdatedAt.UnixMicro(), j.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("insert job %s: %w", j.ID, domain.ErrConflict)
	}
	return nil
}

func (s *SQLite) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	ts := now.UnixMicro()
	j, err := s.returning(ctx, `
update jobs
   set state = 'processing',
       attempts = attempts + 1,
       updated_at = ?
 where id = (
       select id from jobs
        where state = 'pending' and run_at <= ?
        order by created_at asc, id asc
        limit 1)
   and state = 'pending'
returning `+jobColumns, ts, ts)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *SQLite) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	var runAt any
	if t.RunAt != nil {
		runAt = t.RunAt.UnixMicro()
	}
	reset := 0
	if t.ResetAttempts {
		reset = 1
	}
	var claimAttempts, claimedAt any
	if t.Claim != nil {
		claimAttempts, claimedAt = t.Claim.Attempts, t.Claim.ClaimedAt.UnixMicro()
	}
	j, err := s.returning(ctx, `
update jobs
   set state = ?,
       updated_at = ?,
       run_at = coalesce(?, run_at),
       attempts = case when ? = 1 then 0 else attempts end,
       last_error = coalesce(?, last_error)
 where id = ? and state = ?
   and (? is null or (attempts = ? and updated_at = ?))
returning `+jobColumns,
		string(t.To), t.At.UnixMicro(), runAt, reset, t.LastError, id, string(t.From),
		claimAttempts, claimAttempts, claimedAt)
	if err != nil {
		return nil, fmt.Errorf("transition job %s %s->%s: %w", id, t.From, t.To, err)
	}
	return j, nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	var r sqliteRow
	err := s.db.GetContext(ctx, &r, `select `+jobColumns+` from jobs where id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	j := r.job()
	return &j, nil
}

func (s *SQLite) FindMany(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*f.State))
	}
	if f.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.UnixMicro())
	}

	var q strings.Builder
	q.WriteString(`select ` + jobColumns + ` from jobs`)
	if len(where) > 0 {
		q.WriteString(" where " + strings.Join(where, " and "))
	}
	fmt.Fprintf(&q, " order by %s asc, id asc", orderColumn(f.OrderBy))
	if f.Limit > 0 {
		q.WriteString(" limit ?")
		args = append(args, f.Limit)
	}

	var rows []sqliteRow
	if err := s.db.SelectContext(ctx, &rows, q.String(), args...); err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	out := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.job())
	}
	return out, nil
}

func (s *SQLite) CountByState(ctx context.Context) (map[domain.State]int, error) {
	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `select state, count(*) as n from jobs group by state`); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[domain.State]int, len(domain.States))
	for _, r := range rows {
		out[domain.State(r.State)] = r.N
	}
	return out, nil
}

func (s *SQLite) returning(ctx context.Context, query string, args ...any) (*domain.Job, error) {
	var r sqliteRow
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j := r.job()
	return &j, nil
}
