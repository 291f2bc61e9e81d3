package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/communehub/commune/util"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeyVault owns the actors' signing keys. Private PEMs are sealed with a
// secretbox key derived from the configured secret before they touch the
// database. Signing reads only, so concurrent callers need no coordination.
type KeyVault struct {
	store  *db.DB
	secret [32]byte
}

func NewKeyVault(store *db.DB, secret string) *KeyVault {
	return &KeyVault{
		store:  store,
		secret: sha256.Sum256([]byte(secret)),
	}
}

// NewKeyPair generates a fresh sealed keypair for the actor. The caller
// persists it together with the actor row.
func (v *KeyVault) NewKeyPair(actorId uuid.UUID) (*domain.KeyPair, error) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}

	sealed, err := v.seal([]byte(pair.Private))
	if err != nil {
		return nil, err
	}

	return &domain.KeyPair{
		ActorId:          actorId,
		PublicPem:        pair.Public,
		PrivatePemSealed: sealed,
		CreatedAt:        time.Now(),
	}, nil
}

// Sign signs the outbound request with the actor's private key, covering
// (request-target), host, date and the digest of body. Returns
// domain.ErrMissingKey when the actor has no keypair.
func (v *KeyVault) Sign(actorId uuid.UUID, req *http.Request, body []byte) error {
	err, actor := v.store.ReadActorById(actorId)
	if err == sql.ErrNoRows {
		return domain.ErrActorNotFound
	}
	if err != nil {
		return err
	}

	privateKey, err := v.privateKey(actorId)
	if err != nil {
		return err
	}

	return SignRequest(req, privateKey, actor.KeyId(), body)
}

// HasKey reports whether a keypair exists for the actor. The engine checks
// this once before a fan-out so a missing key fails the batch up front
// instead of per target.
func (v *KeyVault) HasKey(actorId uuid.UUID) bool {
	err, _ := v.store.ReadKeypairByActorId(actorId)
	return err == nil
}

// PublicPem returns the actor's public key PEM for the actor document.
func (v *KeyVault) PublicPem(actorId uuid.UUID) (string, error) {
	err, keys := v.store.ReadKeypairByActorId(actorId)
	if err == sql.ErrNoRows {
		return "", domain.ErrMissingKey
	}
	if err != nil {
		return "", err
	}
	return keys.PublicPem, nil
}

func (v *KeyVault) privateKey(actorId uuid.UUID) (*rsa.PrivateKey, error) {
	err, keys := v.store.ReadKeypairByActorId(actorId)
	if err == sql.ErrNoRows {
		return nil, domain.ErrMissingKey
	}
	if err != nil {
		return nil, err
	}

	pemBytes, err := v.open(keys.PrivatePemSealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal private key: %w", err)
	}

	return ParsePrivateKey(string(pemBytes))
}

// seal encrypts plaintext with the vault secret. The 24-byte nonce is
// prepended to the box and the whole blob is base64 encoded for storage.
func (v *KeyVault) seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &v.secret)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *KeyVault) open(sealed string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	if len(blob) < 24 {
		return nil, fmt.Errorf("sealed key material too short")
	}

	var nonce [24]byte
	copy(nonce[:], blob[:24])

	plaintext, ok := secretbox.Open(nil, blob[24:], &nonce, &v.secret)
	if !ok {
		return nil, fmt.Errorf("wrong vault secret or corrupted key material")
	}
	return plaintext, nil
}
