package web

import (
	"encoding/json"

	"github.com/communehub/commune/domain"
)

// GetActorDocument renders the actor document served at the identity URI.
// Inactive actors still get a document so remote servers can process the
// tombstone, but it carries no key material.
func (s *Server) GetActorDocument(kind domain.ActorKind, handle string) (error, string) {
	actor, err := s.registry.GetByHandle(kind, handle)
	if err != nil {
		return err, "{}"
	}

	publicPem := ""
	if actor.Active {
		publicPem, err = s.vault.PublicPem(actor.Id)
		if err != nil {
			return err, "{}"
		}
	}

	doc := s.builder.ActorDocument(actor, publicPem)
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}

// GetFollowersCollection renders the followers collection summary with just
// the total, items stay private.
func (s *Server) GetFollowersCollection(kind domain.ActorKind, handle string) (error, string) {
	actor, err := s.registry.GetByHandle(kind, handle)
	if err != nil {
		return err, "{}"
	}

	count, err := s.directory.Count(actor.Id)
	if err != nil {
		return err, "{}"
	}

	collection := map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         actor.FollowersURI,
		"type":       "OrderedCollection",
		"totalItems": count,
	}

	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}
