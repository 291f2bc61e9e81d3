package web

import (
	"fmt"
	"log"
	"strings"

	"github.com/communehub/commune/activitypub"
	"github.com/communehub/commune/domain"
	"github.com/communehub/commune/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

// Server is the thin serving shim around the federation core: it publishes
// actor documents and webfinger, nothing more. Inbound activity processing
// lives behind a different boundary.
type Server struct {
	conf      *util.AppConfig
	registry  *activitypub.Registry
	vault     *activitypub.KeyVault
	builder   *activitypub.Builder
	directory *activitypub.FollowerDirectory
}

func NewServer(conf *util.AppConfig, registry *activitypub.Registry, vault *activitypub.KeyVault, builder *activitypub.Builder, directory *activitypub.FollowerDirectory) *Server {
	return &Server{
		conf:      conf,
		registry:  registry,
		vault:     vault,
		builder:   builder,
		directory: directory,
	}
}

// Routes registers every endpoint on the given engine.
func (s *Server) Routes(g *gin.Engine) {
	limiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(limiter))

	g.GET("/actor", func(c *gin.Context) {
		s.renderActor(c, domain.ActorKindInstance, "")
	})

	g.GET("/users/:handle", func(c *gin.Context) {
		s.renderActor(c, domain.ActorKindPerson, c.Param("handle"))
	})

	g.GET("/c/:handle", func(c *gin.Context) {
		s.renderActor(c, domain.ActorKindGroup, c.Param("handle"))
	})

	g.GET("/users/:handle/followers", func(c *gin.Context) {
		s.renderFollowers(c, domain.ActorKindPerson, c.Param("handle"))
	})

	g.GET("/c/:handle/followers", func(c *gin.Context) {
		s.renderFollowers(c, domain.ActorKindGroup, c.Param("handle"))
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", s.conf.Conf.SslDomain))
		err, resp := s.GetWebfinger(resource)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})
}

func (s *Server) renderActor(c *gin.Context, kind domain.ActorKind, handle string) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	if kind == domain.ActorKindInstance {
		handle = s.conf.Conf.SslDomain
	}
	err, doc := s.GetActorDocument(kind, handle)
	if err != nil {
		c.Render(404, render.String{Format: doc})
	} else {
		c.Render(200, render.String{Format: doc})
	}
}

func (s *Server) renderFollowers(c *gin.Context, kind domain.ActorKind, handle string) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	err, collection := s.GetFollowersCollection(kind, handle)
	if err != nil {
		c.Render(404, render.String{Format: collection})
	} else {
		c.Render(200, render.String{Format: collection})
	}
}

// Router starts the HTTP server and blocks.
func Router(conf *util.AppConfig, s *Server) error {
	log.Printf("Starting federation endpoint server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	s.Routes(g)

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}
