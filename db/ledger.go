package db

import (
	"database/sql"
	"time"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertAttemptIgnore = `INSERT OR IGNORE INTO delivery_attempts(id, activity_id, activity_json, actor_id, inbox_uri, domain, status, http_status, last_error, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlAttemptColumns = `id, activity_id, activity_json, actor_id, inbox_uri, domain, status, http_status, last_error, attempts, next_retry_at, last_attempted_at, created_at`

	sqlSelectAttemptByKey = `SELECT ` + sqlAttemptColumns + ` FROM delivery_attempts WHERE activity_id = ? AND inbox_uri = ?`
	sqlSelectDueAttempts  = `SELECT ` + sqlAttemptColumns + ` FROM delivery_attempts
		WHERE status = 'pending' AND next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlSelectAttemptsByActivity = `SELECT ` + sqlAttemptColumns + ` FROM delivery_attempts WHERE activity_id = ? ORDER BY created_at ASC`
	sqlSelectBlockingAttempt    = `SELECT ` + sqlAttemptColumns + ` FROM delivery_attempts
		WHERE inbox_uri = ? AND status = 'pending' AND id != ? AND created_at < ?
		ORDER BY created_at ASC LIMIT 1`

	sqlUpdateAttemptOutcome = `UPDATE delivery_attempts SET status = ?, http_status = ?, last_error = ?, attempts = ?, next_retry_at = ?, last_attempted_at = ? WHERE id = ?`

	sqlAbandonPendingByDomain = `UPDATE delivery_attempts SET status = 'abandoned', last_error = 'destination domain blocked' WHERE status = 'pending' AND domain = ?`

	sqlSelectBatchStats = `SELECT status, COUNT(*) FROM delivery_attempts WHERE activity_id = ? GROUP BY status`
)

// ClaimAttempt claims the ledger row for (activity, inbox). The unique key
// makes this an atomic get-or-create: racing workers converge on the same
// row. The bool reports whether this call created the row.
func (db *DB) ClaimAttempt(a *domain.DeliveryAttempt) (*domain.DeliveryAttempt, bool, error) {
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertAttemptIgnore,
			a.Id.String(),
			a.ActivityId,
			a.ActivityJSON,
			a.ActorId.String(),
			a.InboxURI,
			a.Domain,
			string(a.Status),
			a.HttpStatus,
			a.LastError,
			a.Attempts,
			a.NextRetryAt,
			a.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	err, row := db.ReadAttemptByKey(a.ActivityId, a.InboxURI)
	if err != nil {
		return nil, false, err
	}
	return row, created, nil
}

func (db *DB) ReadAttemptByKey(activityId string, inboxURI string) (error, *domain.DeliveryAttempt) {
	row := db.db.QueryRow(sqlSelectAttemptByKey, activityId, inboxURI)
	return scanAttempt(row)
}

func (db *DB) UpdateAttemptOutcome(a *domain.DeliveryAttempt) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAttemptOutcome,
			string(a.Status),
			a.HttpStatus,
			a.LastError,
			a.Attempts,
			a.NextRetryAt,
			a.LastAttemptedAt,
			a.Id.String(),
		)
		return err
	})
}

// ReadDueAttempts returns pending rows whose retry time has come.
func (db *DB) ReadDueAttempts(limit int, now time.Time) (error, *[]domain.DeliveryAttempt) {
	rows, err := db.db.Query(sqlSelectDueAttempts, now, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ReadBlockingAttempt returns the oldest pending row towards the same inbox
// that was created before the given attempt, or sql.ErrNoRows. Such a row
// still owns the inbox turn and must complete before the attempt dispatches.
func (db *DB) ReadBlockingAttempt(a *domain.DeliveryAttempt) (error, *domain.DeliveryAttempt) {
	row := db.db.QueryRow(sqlSelectBlockingAttempt, a.InboxURI, a.Id.String(), a.CreatedAt)
	return scanAttempt(row)
}

func (db *DB) ReadAttemptsByActivity(activityId string) (error, *[]domain.DeliveryAttempt) {
	rows, err := db.db.Query(sqlSelectAttemptsByActivity, activityId)
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// AbandonPendingByDomain terminates every pending attempt towards a domain.
// Called when the domain gets a full block so queued retries stop.
func (db *DB) AbandonPendingByDomain(blockedDomain string) (int, error) {
	var abandoned int
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAbandonPendingByDomain, blockedDomain)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		abandoned = int(n)
		return nil
	})
	return abandoned, err
}

// BatchStats aggregates the ledger rows of one activity by status.
func (db *DB) BatchStats(activityId string) (map[domain.DeliveryStatus]int, error) {
	rows, err := db.db.Query(sqlSelectBatchStats, activityId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats[domain.DeliveryStatus(status)] = count
	}
	return stats, rows.Err()
}

func scanAttempt(row *sql.Row) (error, *domain.DeliveryAttempt) {
	var a domain.DeliveryAttempt
	var idStr, actorIdStr, statusStr string
	var lastAttempted sql.NullTime
	err := row.Scan(
		&idStr,
		&a.ActivityId,
		&a.ActivityJSON,
		&actorIdStr,
		&a.InboxURI,
		&a.Domain,
		&statusStr,
		&a.HttpStatus,
		&a.LastError,
		&a.Attempts,
		&a.NextRetryAt,
		&lastAttempted,
		&a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	a.Id, _ = uuid.Parse(idStr)
	a.ActorId, _ = uuid.Parse(actorIdStr)
	a.Status = domain.DeliveryStatus(statusStr)
	if lastAttempted.Valid {
		t := lastAttempted.Time
		a.LastAttemptedAt = &t
	}
	return nil, &a
}

func scanAttempts(rows *sql.Rows) (error, *[]domain.DeliveryAttempt) {
	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var idStr, actorIdStr, statusStr string
		var lastAttempted sql.NullTime
		if err := rows.Scan(
			&idStr,
			&a.ActivityId,
			&a.ActivityJSON,
			&actorIdStr,
			&a.InboxURI,
			&a.Domain,
			&statusStr,
			&a.HttpStatus,
			&a.LastError,
			&a.Attempts,
			&a.NextRetryAt,
			&lastAttempted,
			&a.CreatedAt,
		); err != nil {
			return err, &attempts
		}
		a.Id, _ = uuid.Parse(idStr)
		a.ActorId, _ = uuid.Parse(actorIdStr)
		a.Status = domain.DeliveryStatus(statusStr)
		if lastAttempted.Valid {
			t := lastAttempted.Time
			a.LastAttemptedAt = &t
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return err, &attempts
	}
	return nil, &attempts
}
