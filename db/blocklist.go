package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

const (
	sqlUpsertBlockedInstance = `INSERT INTO blocked_instances(id, domain, reason, mode, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			reason = excluded.reason,
			mode = excluded.mode,
			active = excluded.active,
			expires_at = excluded.expires_at`
	sqlDeleteBlockedInstance  = `DELETE FROM blocked_instances WHERE domain = ?`
	sqlSelectBlockedInstances = `SELECT id, domain, reason, mode, active, expires_at, created_at FROM blocked_instances ORDER BY domain ASC`
)

func (db *DB) UpsertBlockedInstance(b *domain.BlockedInstance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertBlockedInstance,
			b.Id.String(),
			b.Domain,
			b.Reason,
			string(b.Mode),
			b.Active,
			b.ExpiresAt,
			b.CreatedAt,
		)
		return err
	})
}

func (db *DB) DeleteBlockedInstance(blockedDomain string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBlockedInstance, blockedDomain)
		return err
	})
}

func (db *DB) ReadBlockedInstances() (error, *[]domain.BlockedInstance) {
	rows, err := db.db.Query(sqlSelectBlockedInstances)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var blocks []domain.BlockedInstance
	for rows.Next() {
		var b domain.BlockedInstance
		var idStr, modeStr string
		var expires sql.NullTime
		if err := rows.Scan(&idStr, &b.Domain, &b.Reason, &modeStr, &b.Active, &expires, &b.CreatedAt); err != nil {
			return err, &blocks
		}
		b.Id, _ = uuid.Parse(idStr)
		b.Mode = domain.BlockMode(modeStr)
		if expires.Valid {
			t := expires.Time
			b.ExpiresAt = &t
		}
		blocks = append(blocks, b)
	}
	if err = rows.Err(); err != nil {
		return err, &blocks
	}
	return nil, &blocks
}

// HasActiveFullBlock reports whether any of the candidate domains carries an
// active, unexpired full block. Candidates are the target domain and its
// parents so blocking example.com also covers sub.example.com.
func (db *DB) HasActiveFullBlock(candidates []string, now time.Time) (bool, error) {
	if len(candidates) == 0 {
		return false, nil
	}

	placeholders := strings.Repeat("?,", len(candidates))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT COUNT(*) FROM blocked_instances
		WHERE domain IN (` + placeholders + `)
		AND active = 1 AND mode = 'full'
		AND (expires_at IS NULL OR expires_at > ?)`

	args := make([]any, 0, len(candidates)+1)
	for _, c := range candidates {
		args = append(args, c)
	}
	args = append(args, now)

	var count int
	err := db.db.QueryRow(query, args...).Scan(&count)
	return count > 0, err
}
