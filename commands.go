package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/communehub/commune/activitypub"
	"github.com/communehub/commune/db"
	"github.com/communehub/commune/domain"
	"github.com/communehub/commune/util"
	"github.com/communehub/commune/web"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// core wires the federation components together. Everything is injected,
// there is no package level state to reach around.
type core struct {
	conf       *util.AppConfig
	store      *db.DB
	vault      *activitypub.KeyVault
	registry   *activitypub.Registry
	directory  *activitypub.FollowerDirectory
	blocks     *activitypub.BlockList
	builder    *activitypub.Builder
	engine     *activitypub.Engine
	federation *activitypub.Federation
}

func openCore(conf *util.AppConfig) (*core, error) {
	store, err := db.Open(util.ResolveFilePath(conf.Conf.DbFile))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		return nil, err
	}

	vault := activitypub.NewKeyVault(store, conf.Conf.KeySecret)
	registry := activitypub.NewRegistry(store, vault, conf.Conf.SslDomain)
	directory := activitypub.NewFollowerDirectory(store)
	blocks := activitypub.NewBlockList(store)
	builder := activitypub.NewBuilder(conf.Conf.SslDomain)
	engine := activitypub.NewEngine(store, vault, directory, blocks, activitypub.EngineConfigFromApp(conf))

	return &core{
		conf:       conf,
		store:      store,
		vault:      vault,
		registry:   registry,
		directory:  directory,
		blocks:     blocks,
		builder:    builder,
		engine:     engine,
		federation: activitypub.NewFederation(registry, directory, builder, engine),
	}, nil
}

func withCore(conf *util.AppConfig, f func(*core) error) error {
	c, err := openCore(conf)
	if err != nil {
		return err
	}
	defer c.store.Close()
	return f(c)
}

func newRootCmd(conf *util.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commune",
		Short: "Commune federates local communities and users over ActivityPub",
	}
	cmd.Version = util.GetVersion()

	cmd.AddCommand(
		newServeCmd(conf),
		newSweepCmd(conf),
		newActorCmd(conf),
		newPostCmd(conf),
		newBlockCmd(conf),
	)

	return cmd
}

func newServeCmd(conf *util.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation endpoints and the retry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				fmt.Println("Configuration: ")
				fmt.Println(util.PrettyPrint(conf))

				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				// the sweeper owns the clock; the engine only exposes
				// the SweepRetries entry point
				interval := time.Duration(conf.Conf.SweepIntervalSec) * time.Second
				if interval <= 0 {
					interval = 30 * time.Second
				}
				ticker := time.NewTicker(interval)
				go func() {
					for range ticker.C {
						if _, err := c.engine.SweepRetries(ctx); err != nil {
							log.Printf("Sweeper: %v", err)
						}
					}
				}()

				server := web.NewServer(conf, c.registry, c.vault, c.builder, c.directory)
				go func() {
					if err := web.Router(conf, server); err != nil {
						log.Fatalln(err)
					}
				}()

				done := make(chan os.Signal, 1)
				signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
				<-done
				log.Println("Stopping commune")
				ticker.Stop()
				return nil
			})
		},
	}
}

func newSweepCmd(conf *util.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-dispatch every due pending delivery once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				n, err := c.engine.SweepRetries(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("dispatched %d due deliveries\n", n)
				return nil
			})
		},
	}
}

func newActorCmd(conf *util.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage federated identities",
	}

	var kind, handle, entity, name, summary string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a federated identity with a fresh keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				actorKind := domain.ActorKind(kind)
				var entityId *uuid.UUID
				if entity != "" {
					id, err := uuid.Parse(entity)
					if err != nil {
						return fmt.Errorf("invalid --entity: %w", err)
					}
					entityId = &id
				}
				if actorKind == domain.ActorKindInstance && handle == "" {
					handle = conf.Conf.SslDomain
				}

				actor, err := c.registry.Register(actorKind, entityId, handle, activitypub.Profile{
					DisplayName: name,
					Summary:     summary,
				})
				if err != nil {
					return err
				}
				fmt.Printf("registered %s actor %s\n  id:  %s\n  uri: %s\n", actor.Kind, actor.Handle, actor.Id, actor.ActorURI)
				return nil
			})
		},
	}
	create.Flags().StringVar(&kind, "kind", "person", "actor kind: instance, person or group")
	create.Flags().StringVar(&handle, "handle", "", "local handle")
	create.Flags().StringVar(&entity, "entity", "", "local entity id (uuid); omit for the instance actor")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&summary, "summary", "", "profile summary")

	deactivate := &cobra.Command{
		Use:   "deactivate <actor-id>",
		Short: "Stop new fan-outs for an actor, keeping followers and keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return err
				}
				return c.registry.Deactivate(id)
			})
		},
	}

	var confirmPurge bool
	del := &cobra.Command{
		Use:   "delete <actor-id>",
		Short: "Announce the actor's removal to all followers, then purge them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmPurge {
				return fmt.Errorf("refusing to run without --yes: this purges the follower set after delivery")
			}
			return withCore(conf, func(c *core) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return err
				}
				report, err := c.federation.DeleteActor(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("delivered: %d  failed: %d  suppressed: %d\nfollowers purged: %d\n",
					report.Delivered, report.Failed, report.Suppressed, report.FollowersRemoved)
				for _, out := range report.Outcomes {
					fmt.Printf("  %-10s %s (http %d) %s\n", out.Status, out.InboxURI, out.HttpStatus, out.Error)
				}
				return nil
			})
		},
	}
	del.Flags().BoolVar(&confirmPurge, "yes", false, "confirm the follower purge")

	cmd.AddCommand(create, deactivate, del)
	return cmd
}

func newPostCmd(conf *util.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Federate post events",
	}

	var actorStr, slug string
	var legacy bool
	del := &cobra.Command{
		Use:   "delete <post-id>",
		Short: "Enqueue a Delete fan-out for a published post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				postId, err := uuid.Parse(args[0])
				if err != nil {
					return err
				}
				actorId, err := uuid.Parse(actorStr)
				if err != nil {
					return fmt.Errorf("invalid --actor: %w", err)
				}
				activityId, err := c.federation.DeletePost(actorId, postId, slug, legacy)
				if err != nil {
					return err
				}
				fmt.Printf("enqueued %s\n", activityId)
				return nil
			})
		},
	}
	del.Flags().StringVar(&actorStr, "actor", "", "owning actor id (uuid)")
	del.Flags().StringVar(&slug, "slug", "", "post slug, required for legacy-format posts")
	del.Flags().BoolVar(&legacy, "legacy", false, "post federated under the pre-fix URL-plus-slug object id")
	del.MarkFlagRequired("actor")

	cmd.AddCommand(del)
	return cmd
}

func newBlockCmd(conf *util.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Manage the instance blocklist",
	}

	var reason, mode string
	var expireDays int
	add := &cobra.Command{
		Use:   "add <domain>",
		Short: "Block a remote domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				var expiresAt *time.Time
				if expireDays > 0 {
					t := time.Now().AddDate(0, 0, expireDays)
					expiresAt = &t
				}
				return c.blocks.Add(args[0], reason, domain.BlockMode(mode), expiresAt)
			})
		},
	}
	add.Flags().StringVar(&reason, "reason", "", "why the domain is blocked")
	add.Flags().StringVar(&mode, "mode", "full", "block mode: full or silence")
	add.Flags().IntVar(&expireDays, "expires-days", 0, "expire the block after this many days (0 = never)")

	remove := &cobra.Command{
		Use:   "remove <domain>",
		Short: "Remove a domain block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				return c.blocks.Remove(args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List blocked domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(conf, func(c *core) error {
				blocks, err := c.blocks.List()
				if err != nil {
					return err
				}
				for _, b := range blocks {
					expiry := "never"
					if b.ExpiresAt != nil {
						expiry = b.ExpiresAt.Format("2006-01-02")
					}
					fmt.Printf("%-30s %-8s active=%v expires=%s %s\n", b.Domain, b.Mode, b.Active, expiry, b.Reason)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}
