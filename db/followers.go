package db

import (
	"database/sql"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

const (
	sqlUpsertFollower = `INSERT INTO followers(id, actor_id, follower_uri, inbox_uri, shared_inbox_uri, domain, followed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, follower_uri) DO UPDATE SET
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			domain = excluded.domain`
	sqlDeleteFollower = `DELETE FROM followers WHERE actor_id = ? AND follower_uri = ?`
	sqlDeleteFollowersByInbox = `DELETE FROM followers WHERE actor_id = ? AND (inbox_uri = ? OR shared_inbox_uri = ?)`
	sqlDeleteFollowersByActor = `DELETE FROM followers WHERE actor_id = ?`
	sqlSelectFollowersByActor = `SELECT id, actor_id, follower_uri, inbox_uri, shared_inbox_uri, domain, followed_at
		FROM followers WHERE actor_id = ? ORDER BY followed_at ASC`
	sqlCountFollowersByActor = `SELECT COUNT(*) FROM followers WHERE actor_id = ?`
)

// UpsertFollower inserts or refreshes a follower record, keyed by
// (actor_id, follower_uri).
func (db *DB) UpsertFollower(f *domain.Follower) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollower,
			f.Id.String(),
			f.ActorId.String(),
			f.FollowerURI,
			f.InboxURI,
			f.SharedInboxURI,
			f.Domain,
			f.FollowedAt,
		)
		return err
	})
}

func (db *DB) DeleteFollower(actorId uuid.UUID, followerURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollower, actorId.String(), followerURI)
		return err
	})
}

// DeleteFollowersByInbox removes every follower reached through the given
// inbox, personal or shared. Used when a destination answers 410 Gone.
func (db *DB) DeleteFollowersByInbox(actorId uuid.UUID, inboxURI string) (int, error) {
	var removed int
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollowersByInbox, actorId.String(), inboxURI, inboxURI)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// DeleteFollowersByActor clears the whole follower set of an actor and
// returns how many records were removed.
func (db *DB) DeleteFollowersByActor(actorId uuid.UUID) (int, error) {
	var removed int
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollowersByActor, actorId.String())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

func (db *DB) ReadFollowersByActor(actorId uuid.UUID) (error, *[]domain.Follower) {
	rows, err := db.db.Query(sqlSelectFollowersByActor, actorId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var idStr, actorIdStr string
		if err := rows.Scan(&idStr, &actorIdStr, &f.FollowerURI, &f.InboxURI, &f.SharedInboxURI, &f.Domain, &f.FollowedAt); err != nil {
			return err, &followers
		}
		f.Id, _ = uuid.Parse(idStr)
		f.ActorId, _ = uuid.Parse(actorIdStr)
		followers = append(followers, f)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

func (db *DB) CountFollowersByActor(actorId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountFollowersByActor, actorId.String()).Scan(&count)
	return count, err
}
