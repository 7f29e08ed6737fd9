package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/pool"
)

// opsStatement is an SQL statement identifier.
type opsStatement int

const (
	setHealth opsStatement = iota
	getHealth
	listHealth
	getWatermark
	setWatermark
	setOptOut
	getOptOut
	expireOptOuts
	insertDeadJob
	listDeadJobs
	listDeadJobsLimited
	purgeDeadJobs
)

// opsStatements holds all the raw SQL statements.
var opsStatements = map[opsStatement]string{
	setHealth: `
		INSERT INTO
			InstanceHealth (instance, consecutive_failures, last_success_at, cooldown_until)
		VALUES
			($1, $2, $3, $4)
		ON CONFLICT (instance) DO UPDATE SET
			consecutive_failures=EXCLUDED.consecutive_failures,
			last_success_at=EXCLUDED.last_success_at,
			cooldown_until=EXCLUDED.cooldown_until
	`,
	getHealth: `
		SELECT
			instance, consecutive_failures, last_success_at, cooldown_until
		FROM
			InstanceHealth
		WHERE
			instance = $1
	`,
	listHealth: `
		SELECT
			instance, consecutive_failures, last_success_at, cooldown_until
		FROM
			InstanceHealth
		ORDER BY
			instance
	`,
	getWatermark: `
		SELECT
			post_id
		FROM
			Watermarks
		WHERE
			instance = $1 AND stream = $2
	`,
	setWatermark: `
		INSERT INTO
			Watermarks (instance, stream, post_id)
		VALUES
			($1, $2, $3)
		ON CONFLICT (instance, stream) DO UPDATE SET
			post_id=EXCLUDED.post_id
	`,
	setOptOut: `
		INSERT INTO
			OptOuts (author_handle, opted_out, fetched_at)
		VALUES
			($1, $2, $3)
		ON CONFLICT (author_handle) DO UPDATE SET
			opted_out=EXCLUDED.opted_out,
			fetched_at=EXCLUDED.fetched_at
	`,
	getOptOut: `
		SELECT
			author_handle, opted_out, fetched_at
		FROM
			OptOuts
		WHERE
			author_handle = $1
	`,
	expireOptOuts: `
		DELETE
		FROM
			OptOuts
		WHERE
			fetched_at < $1
	`,
	insertDeadJob: `
		INSERT INTO
			DeadJobs (id, class, key, payload, attempts, last_error, failed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
	`,
	listDeadJobs: `
		SELECT
			id, class, key, payload, attempts, last_error, failed_at
		FROM
			DeadJobs
		ORDER BY
			failed_at DESC
	`,
	listDeadJobsLimited: `
		SELECT
			id, class, key, payload, attempts, last_error, failed_at
		FROM
			DeadJobs
		ORDER BY
			failed_at DESC
		LIMIT $1
	`,
	purgeDeadJobs: `
		DELETE
		FROM
			DeadJobs
	`,
}

// HealthStore implements store.HealthStore using an SQL database.
type HealthStore struct {
	db pool.Pool
}

// NewHealthStore returns a new *HealthStore.
func NewHealthStore(db pool.Pool) *HealthStore {
	return &HealthStore{db: db}
}

// SetHealth implements store.HealthStore.
func (s *HealthStore) SetHealth(ctx context.Context, h types.InstanceHealth) error {
	if h.Instance == "" {
		return skerr.Fmt("instance must be set")
	}
	if _, err := s.db.Exec(ctx, opsStatements[setHealth],
		h.Instance, h.ConsecutiveFailures, h.LastSuccessAt, h.CooldownUntil); err != nil {
		return skerr.Wrapf(err, "saving instance health")
	}
	return nil
}

// GetHealth implements store.HealthStore.
func (s *HealthStore) GetHealth(ctx context.Context, instance string) (types.InstanceHealth, error) {
	var h types.InstanceHealth
	err := s.db.QueryRow(ctx, opsStatements[getHealth], instance).Scan(
		&h.Instance, &h.ConsecutiveFailures, &h.LastSuccessAt, &h.CooldownUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A never-seen instance gets a zero record.
			return types.InstanceHealth{Instance: instance}, nil
		}
		return types.InstanceHealth{}, skerr.Wrapf(err, "loading instance health")
	}
	h.LastSuccessAt = h.LastSuccessAt.UTC()
	h.CooldownUntil = h.CooldownUntil.UTC()
	return h, nil
}

// ListHealth implements store.HealthStore.
func (s *HealthStore) ListHealth(ctx context.Context) ([]types.InstanceHealth, error) {
	rows, err := s.db.Query(ctx, opsStatements[listHealth])
	if err != nil {
		return nil, skerr.Wrapf(err, "listing instance health")
	}
	defer rows.Close()
	var ret []types.InstanceHealth
	for rows.Next() {
		var h types.InstanceHealth
		if err := rows.Scan(&h.Instance, &h.ConsecutiveFailures, &h.LastSuccessAt, &h.CooldownUntil); err != nil {
			return nil, skerr.Wrap(err)
		}
		h.LastSuccessAt = h.LastSuccessAt.UTC()
		h.CooldownUntil = h.CooldownUntil.UTC()
		ret = append(ret, h)
	}
	return ret, nil
}

// GetWatermark implements store.HealthStore.
func (s *HealthStore) GetWatermark(ctx context.Context, instance, stream string) (string, error) {
	var id string
	if err := s.db.QueryRow(ctx, opsStatements[getWatermark], instance, stream).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", skerr.Wrapf(err, "loading watermark")
	}
	return id, nil
}

// SetWatermark implements store.HealthStore.
func (s *HealthStore) SetWatermark(ctx context.Context, instance, stream, id string) error {
	if _, err := s.db.Exec(ctx, opsStatements[setWatermark], instance, stream, id); err != nil {
		return skerr.Wrapf(err, "saving watermark")
	}
	return nil
}

var _ store.HealthStore = (*HealthStore)(nil)

// OptOutStore implements store.OptOutStore using an SQL database.
type OptOutStore struct {
	db pool.Pool
}

// NewOptOutStore returns a new *OptOutStore.
func NewOptOutStore(db pool.Pool) *OptOutStore {
	return &OptOutStore{db: db}
}

// SetOptOut implements store.OptOutStore.
func (s *OptOutStore) SetOptOut(ctx context.Context, e types.OptOutEntry) error {
	if e.AuthorHandle == "" {
		return skerr.Fmt("author handle must be set")
	}
	if _, err := s.db.Exec(ctx, opsStatements[setOptOut], e.AuthorHandle, e.OptedOut, e.FetchedAt); err != nil {
		return skerr.Wrapf(err, "saving opt-out entry")
	}
	return nil
}

// GetOptOut implements store.OptOutStore.
func (s *OptOutStore) GetOptOut(ctx context.Context, authorHandle string) (types.OptOutEntry, error) {
	var e types.OptOutEntry
	if err := s.db.QueryRow(ctx, opsStatements[getOptOut], authorHandle).Scan(
		&e.AuthorHandle, &e.OptedOut, &e.FetchedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.OptOutEntry{}, skerr.Wrapf(store.ErrNotFound, "opt-out entry for %s", authorHandle)
		}
		return types.OptOutEntry{}, skerr.Wrapf(err, "loading opt-out entry")
	}
	e.FetchedAt = e.FetchedAt.UTC()
	return e, nil
}

// ExpireOptOutsBefore implements store.OptOutStore.
func (s *OptOutStore) ExpireOptOutsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(ctx, opsStatements[expireOptOuts], cutoff)
	if err != nil {
		return 0, skerr.Wrapf(err, "expiring opt-out entries")
	}
	return int(res.RowsAffected()), nil
}

var _ store.OptOutStore = (*OptOutStore)(nil)

// DLQStore implements store.DLQStore using an SQL database.
type DLQStore struct {
	db pool.Pool
}

// NewDLQStore returns a new *DLQStore.
func NewDLQStore(db pool.Pool) *DLQStore {
	return &DLQStore{db: db}
}

// AppendDead implements store.DLQStore.
func (s *DLQStore) AppendDead(ctx context.Context, job store.DeadJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, err := s.db.Exec(ctx, opsStatements[insertDeadJob],
		job.ID, job.Class, job.Key, job.Payload, job.Attempts, job.LastError, job.FailedAt); err != nil {
		return skerr.Wrapf(err, "appending dead job")
	}
	return nil
}

// ListDead implements store.DLQStore.
func (s *DLQStore) ListDead(ctx context.Context, limit int) ([]store.DeadJob, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(ctx, opsStatements[listDeadJobsLimited], limit)
	} else {
		rows, err = s.db.Query(ctx, opsStatements[listDeadJobs])
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "listing dead jobs")
	}
	defer rows.Close()
	var ret []store.DeadJob
	for rows.Next() {
		var job store.DeadJob
		if err := rows.Scan(&job.ID, &job.Class, &job.Key, &job.Payload, &job.Attempts, &job.LastError, &job.FailedAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		job.FailedAt = job.FailedAt.UTC()
		ret = append(ret, job)
	}
	return ret, nil
}

// PurgeDead implements store.DLQStore.
func (s *DLQStore) PurgeDead(ctx context.Context) (int, error) {
	res, err := s.db.Exec(ctx, opsStatements[purgeDeadJobs])
	if err != nil {
		return 0, skerr.Wrapf(err, "purging dead jobs")
	}
	return int(res.RowsAffected()), nil
}

var _ store.DLQStore = (*DLQStore)(nil)
