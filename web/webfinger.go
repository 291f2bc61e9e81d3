package web

import (
	"fmt"

	"github.com/communehub/commune/domain"
)

// GetWebfinger resolves an acct: handle to the actor URI. Users are tried
// first, then communities, so both alice@host and gardening@host resolve.
func (s *Server) GetWebfinger(handle string) (error, string) {
	actor, err := s.registry.GetByHandle(domain.ActorKindPerson, handle)
	if err != nil {
		actor, err = s.registry.GetByHandle(domain.ActorKindGroup, handle)
	}
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "%s"
						}
					]
				}`, actor.Handle, s.conf.Conf.SslDomain, actor.ActorURI)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
