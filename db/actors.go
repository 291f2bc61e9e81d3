package db

import (
	"database/sql"

	"github.com/communehub/commune/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertActor = `INSERT INTO actors(id, kind, local_entity_id, handle, display_name, summary, avatar_url, actor_uri, inbox_uri, outbox_uri, followers_uri, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlInsertKeypair = `INSERT INTO keypairs(actor_id, public_pem, private_pem_sealed, created_at) VALUES (?, ?, ?, ?)`

	sqlActorColumns = `id, kind, local_entity_id, handle, display_name, summary, avatar_url, actor_uri, inbox_uri, outbox_uri, followers_uri, active, created_at`

	sqlSelectActorByKindEntity = `SELECT ` + sqlActorColumns + ` FROM actors WHERE kind = ? AND local_entity_id = ?`
	sqlSelectActorById         = `SELECT ` + sqlActorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByURI        = `SELECT ` + sqlActorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectActorByKindHandle = `SELECT ` + sqlActorColumns + ` FROM actors WHERE kind = ? AND handle = ?`
	sqlUpdateActorActive       = `UPDATE actors SET active = ? WHERE id = ?`

	sqlSelectKeypairByActorId = `SELECT actor_id, public_pem, private_pem_sealed, created_at FROM keypairs WHERE actor_id = ?`
)

// CreateActorWithKeys inserts the actor and its keypair in one transaction,
// so an actor can never exist without its signing key. Returns
// domain.ErrDuplicateActor when (kind, local entity) is already taken.
func (db *DB) CreateActorWithKeys(actor *domain.Actor, keys *domain.KeyPair) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActor,
			actor.Id.String(),
			string(actor.Kind),
			entityRef(actor.LocalEntityId),
			actor.Handle,
			actor.DisplayName,
			actor.Summary,
			actor.AvatarURL,
			actor.ActorURI,
			actor.InboxURI,
			actor.OutboxURI,
			actor.FollowersURI,
			actor.Active,
			actor.CreatedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(sqlInsertKeypair,
			keys.ActorId.String(),
			keys.PublicPem,
			keys.PrivatePemSealed,
			keys.CreatedAt,
		)
		return err
	})
	if err != nil && isConstraintViolation(err) {
		return domain.ErrDuplicateActor
	}
	return err
}

func (db *DB) ReadActorByKindEntity(kind domain.ActorKind, entityId *uuid.UUID) (error, *domain.Actor) {
	return db.readActor(sqlSelectActorByKindEntity, string(kind), entityRef(entityId))
}

func (db *DB) ReadActorById(id uuid.UUID) (error, *domain.Actor) {
	return db.readActor(sqlSelectActorById, id.String())
}

func (db *DB) ReadActorByURI(uri string) (error, *domain.Actor) {
	return db.readActor(sqlSelectActorByURI, uri)
}

func (db *DB) ReadActorByKindHandle(kind domain.ActorKind, handle string) (error, *domain.Actor) {
	return db.readActor(sqlSelectActorByKindHandle, string(kind), handle)
}

func (db *DB) UpdateActorActive(id uuid.UUID, active bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActorActive, active, id.String())
		return err
	})
}

func (db *DB) ReadKeypairByActorId(actorId uuid.UUID) (error, *domain.KeyPair) {
	row := db.db.QueryRow(sqlSelectKeypairByActorId, actorId.String())
	var keys domain.KeyPair
	var idStr string
	err := row.Scan(&idStr, &keys.PublicPem, &keys.PrivatePemSealed, &keys.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	keys.ActorId, _ = uuid.Parse(idStr)
	return nil, &keys
}

func (db *DB) readActor(query string, args ...any) (error, *domain.Actor) {
	row := db.db.QueryRow(query, args...)
	var actor domain.Actor
	var idStr, kindStr, entityStr string
	err := row.Scan(
		&idStr,
		&kindStr,
		&entityStr,
		&actor.Handle,
		&actor.DisplayName,
		&actor.Summary,
		&actor.AvatarURL,
		&actor.ActorURI,
		&actor.InboxURI,
		&actor.OutboxURI,
		&actor.FollowersURI,
		&actor.Active,
		&actor.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	actor.Id, _ = uuid.Parse(idStr)
	actor.Kind = domain.ActorKind(kindStr)
	if entityStr != "" {
		entityId, perr := uuid.Parse(entityStr)
		if perr == nil {
			actor.LocalEntityId = &entityId
		}
	}
	return nil, &actor
}

// entityRef maps the nullable entity reference to its stored form. The
// empty string stands in for "no entity" so UNIQUE(kind, local_entity_id)
// also covers the instance actor.
func entityRef(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
