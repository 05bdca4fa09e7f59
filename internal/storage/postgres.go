package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/queuectl/internal/domain"
)

const jobColumns = `id, command, state, attempts, max_retries, run_at, created_at, updated_at, last_error`

// Postgres keeps jobs in a single table; claims use FOR UPDATE SKIP LOCKED so
// concurrent pollers never block on each other's rows.
type Postgres struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

func (s *Postgres) Pool() *pgxpool.Pool { return s.db }

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

// Insert persists a new job (source of truth)
func (s *Postgres) Insert(ctx context.Context, j *domain.Job) error {
	tag, err := s.db.Exec(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (id) do nothing`,
		j.ID, j.Command, string(j.State), j.Attempts, j.MaxRetries, j.RunAt, j.CreatedAt, j.UpdatedAt, j.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert job %s: %w", j.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Postgres) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
update jobs
   set state = 'processing',
       attempts = attempts + 1,
       updated_at = $1
 where id = (
       select id from jobs
        where state = 'pending' and run_at <= $1
        order by created_at asc, id asc
        limit 1
        for update skip locked)
returning `+jobColumns, now)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	j, err := collectJob(rows)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *Postgres) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	var (
		claimAttempts *int
		claimedAt     *time.Time
	)
	if t.Claim != nil {
		claimAttempts, claimedAt = &t.Claim.Attempts, &t.Claim.ClaimedAt
	}
	rows, err := s.db.Query(ctx, `
update jobs
   set state = $3,
       updated_at = $4,
       run_at = coalesce($5::timestamptz, run_at),
       attempts = case when $6::boolean then 0 else attempts end,
       last_error = coalesce($7::text, last_error)
 where id = $1 and state = $2
   and ($8::integer is null or (attempts = $8 and updated_at = $9::timestamptz))
returning `+jobColumns,
		id, string(t.From), string(t.To), t.At, t.RunAt, t.ResetAttempts, t.LastError, claimAttempts, claimedAt)
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	j, err := collectJob(rows)
	if err != nil {
		return nil, fmt.Errorf("transition job %s %s->%s: %w", id, t.From, t.To, err)
	}
	return j, nil
}

func (s *Postgres) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	j, err := collectJob(rows)
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return j, nil
}

func (s *Postgres) FindMany(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.State != nil {
		args = append(args, string(*f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.UpdatedBefore != nil {
		args = append(args, *f.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	var q strings.Builder
	q.WriteString(`select ` + jobColumns + ` from jobs`)
	if len(where) > 0 {
		q.WriteString(" where " + strings.Join(where, " and "))
	}
	fmt.Fprintf(&q, " order by %s asc, id asc", orderColumn(f.OrderBy))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&q, " limit $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.Job])
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	for i := range out {
		normalizeTimes(&out[i])
	}
	return out, nil
}

func (s *Postgres) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := s.db.Query(ctx, `select state, count(*) from jobs group by state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.State]int, len(domain.States))
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		out[domain.State(st)] = n
	}
	return out, rows.Err()
}

func collectJob(rows pgx.Rows) (*domain.Job, error) {
	j, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[domain.Job])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	normalizeTimes(j)
	return j, nil
}

// normalizeTimes reports timestamps in UTC whatever the session time zone.
func normalizeTimes(j *domain.Job) {
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
}
