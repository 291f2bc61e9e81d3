package db

import (
	"database/sql"
	"log"
)

const (
	// Local federated identities. The instance actor stores an empty
	// local_entity_id so the uniqueness constraint still applies to it.
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		local_entity_id TEXT NOT NULL DEFAULT '',
		handle TEXT NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT NOT NULL,
		followers_uri TEXT NOT NULL,
		active INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, local_entity_id)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_actor_uri ON actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_actors_handle ON actors(handle);
	`

	// One keypair per actor, created in the same transaction as its actor
	sqlCreateKeypairsTable = `CREATE TABLE IF NOT EXISTS keypairs (
		actor_id TEXT NOT NULL PRIMARY KEY REFERENCES actors(id),
		public_pem TEXT NOT NULL,
		private_pem_sealed TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Remote subscribers per local actor
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		follower_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL,
		followed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, follower_uri)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_actor_id ON followers(actor_id);
		CREATE INDEX IF NOT EXISTS idx_followers_domain ON followers(domain);
	`

	// Domain-level delivery suppression policy
	sqlCreateBlockedInstancesTable = `CREATE TABLE IF NOT EXISTS blocked_instances (
		id TEXT NOT NULL PRIMARY KEY,
		domain TEXT UNIQUE NOT NULL,
		reason TEXT,
		mode TEXT NOT NULL DEFAULT 'full',
		active INTEGER DEFAULT 1,
		expires_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Append-only delivery ledger. UNIQUE(activity_id, inbox_uri) is the
	// idempotency key; rows are updated across retries, never deleted.
	sqlCreateDeliveryAttemptsTable = `CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		domain TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		http_status INTEGER DEFAULT 0,
		last_error TEXT DEFAULT '',
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_attempted_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_id, inbox_uri)
	)`

	sqlCreateDeliveryAttemptsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_attempts_due ON delivery_attempts(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_attempts_activity ON delivery_attempts(activity_id);
		CREATE INDEX IF NOT EXISTS idx_delivery_attempts_domain ON delivery_attempts(domain);
	`
)

// Migrate creates all federation tables and indices.
func (db *DB) Migrate() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := db.createTableIfNotExists(tx, sqlCreateActorsTable, "actors"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateKeypairsTable, "keypairs"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateFollowersTable, "followers"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateBlockedInstancesTable, "blocked_instances"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateDeliveryAttemptsTable, "delivery_attempts"); err != nil {
			return err
		}

		if _, err := tx.Exec(sqlCreateActorsIndices); err != nil {
			log.Printf("Warning: Failed to create actors indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateFollowersIndices); err != nil {
			log.Printf("Warning: Failed to create followers indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateDeliveryAttemptsIndices); err != nil {
			log.Printf("Warning: Failed to create delivery_attempts indices: %v", err)
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
