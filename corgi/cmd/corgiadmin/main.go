// corgiadmin is the operator CLI for the corgi recommender. It talks
// directly to the stores named by the same CORGI_* environment the server
// reads, so point it at the server's backend before running anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/coldstart"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/boltstore"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/sqlstore"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

// flag names
const (
	aliasFlagName    = "alias"
	limitFlagName    = "limit"
	instanceFlagName = "instance"
	accountFlagName  = "account"
)

// flags
var (
	aliasFlag = &cli.StringFlag{
		Name:     aliasFlagName,
		Usage:    "Alias hex, exactly as the stores key it",
		Required: true,
	}
	limitFlag = &cli.IntFlag{
		Name:  limitFlagName,
		Value: 50,
		Usage: "Maximum rows to list",
	}
	instanceFlag = &cli.StringFlag{
		Name:  instanceFlagName,
		Usage: "Instance base URL",
	}
	accountFlag = &cli.StringFlag{
		Name:  accountFlagName,
		Usage: "Upstream account ID",
	}
)

func main() {
	app := &cli.App{
		Name:  "corgiadmin",
		Usage: "operator tools for the corgi recommender stores",
		Commands: []*cli.Command{
			{
				Name:  "instances",
				Usage: "crawler instance health",
				Subcommands: []*cli.Command{
					{
						Name:   "health",
						Usage:  "list per-instance crawler health",
						Action: instancesHealth,
					},
					{
						Name:   "seed",
						Usage:  "write empty health rows for the configured crawl instances",
						Action: instancesSeed,
					},
				},
			},
			{
				Name:  "dlq",
				Usage: "dead-letter queue triage",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list dead jobs, newest first",
						Flags:  []cli.Flag{limitFlag},
						Action: dlqList,
					},
					{
						Name:   "purge",
						Usage:  "delete every dead job",
						Action: dlqPurge,
					},
				},
			},
			{
				Name:   "refresh",
				Usage:  "regenerate and persist the ranking set for one alias",
				Flags:  []cli.Flag{aliasFlag},
				Action: refreshAlias,
			},
			{
				Name:   "corpus",
				Usage:  "print corpus size and freshness window",
				Action: corpusStats,
			},
			{
				Name:   "derive",
				Usage:  "print the alias for an account, for privacy lookups",
				Flags:  []cli.Flag{instanceFlag, accountFlag},
				Action: deriveAlias,
			},
		},
	}
	app.RunAndExitOnError()
}

// openStores connects to the backend the environment names. The returned
// close func must be called once the command is done.
func openStores(ctx context.Context, cfg *config.Config) (store.Stores, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := pgxpool.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return store.Stores{}, nil, skerr.Wrapf(err, "connecting to postgres")
		}
		return sqlstore.New(db), db.Close, nil
	default:
		bs, err := boltstore.New(cfg.BoltPath)
		if err != nil {
			return store.Stores{}, nil, skerr.Wrapf(err, "opening bolt store at %s", cfg.BoltPath)
		}
		return bs.Stores(), func() { util.LogErr(bs.Close()) }, nil
	}
}

func instancesHealth(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	st, closeStore, err := openStores(c.Context, cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer closeStore()
	rows, err := st.Health.ListHealth(c.Context)
	if err != nil {
		return skerr.Wrap(err)
	}
	if len(rows) == 0 {
		fmt.Println("No instance health recorded yet.")
		return nil
	}
	now := time.Now()
	for _, h := range rows {
		state := "healthy"
		if !h.Healthy(now) {
			state = fmt.Sprintf("cooling down until %s", h.CooldownUntil.Format(time.RFC3339))
		}
		last := "never"
		if !h.LastSuccessAt.IsZero() {
			last = h.LastSuccessAt.Format(time.RFC3339)
		}
		fmt.Printf("%-40s %s, %d consecutive failure(s), last success %s\n", h.Instance, state, h.ConsecutiveFailures, last)
	}
	return nil
}

func instancesSeed(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	if len(cfg.Crawl.Instances) == 0 {
		return skerr.Fmt("CORGI_CRAWL_INSTANCES is empty; nothing to seed")
	}
	st, closeStore, err := openStores(c.Context, cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer closeStore()
	for _, instance := range cfg.Crawl.Instances {
		if err := st.Health.SetHealth(c.Context, types.InstanceHealth{Instance: instance}); err != nil {
			return skerr.Wrapf(err, "seeding %s", instance)
		}
		fmt.Printf("Seeded %s\n", instance)
	}
	return nil
}

func dlqList(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	st, closeStore, err := openStores(c.Context, cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer closeStore()
	jobs, err := st.DLQ.ListDead(c.Context, c.Int(limitFlagName))
	if err != nil {
		return skerr.Wrap(err)
	}
	if len(jobs) == 0 {
		fmt.Println("Dead-letter queue is empty.")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s  %-16s %-32s attempts=%d failed=%s\n  %s\n",
			j.ID, j.Class, j.Key, j.Attempts, j.FailedAt.Format(time.RFC3339), j.LastError)
	}
	return nil
}

func dlqPurge(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	st, closeStore, err := openStores(c.Context, cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer closeStore()
	n, err := st.DLQ.PurgeDead(c.Context)
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Printf("Purged %d dead job(s).\n", n)
	return nil
}

// refreshAlias regenerates the persisted ranking set the same way the
// server's background refresher does.
func refreshAlias(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	st, closeStore, err := openStores(c.Context, cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer closeStore()

	cold, err := coldstart.New(st.Posts, nil, cfg.PostFreshness, cfg.Ranking.MaxAuthorShare, cfg.Ranking.MaxInstanceShare)
	if err != nil {
		return skerr.Wrap(err)
	}
	engine := ranking.New(st, nil, cold, cfg.Ranking, cfg.PostFreshness)

	alias := c.String(aliasFlagName)
	if err := engine.Refresh(c.Context, alias); err != nil {
		return skerr.Wrapf(err, "refreshing %s", alias)
	}
	recs, err := st.Rankings.Latest(c.Context, alias)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Printf("Alias %s has no interactions; persisted set dropped.\n", alias)
		return nil
	}
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Printf("Persisted %d record(s) for %s.\n", len(recs), alias)
	return nil
}

func corpusStats(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	st, closeStore, err := openStores(c.Context, cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer closeStore()
	total, err := st.Posts.CountPosts(c.Context)
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Printf("Corpus: %d post(s), freshness window %s.\n", total, cfg.PostFreshness)
	return nil
}

func deriveAlias(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return skerr.Wrap(err)
	}
	instance := c.String(instanceFlagName)
	account := c.String(accountFlagName)
	if instance == "" || account == "" {
		return skerr.Fmt("--%s and --%s are both required", instanceFlagName, accountFlagName)
	}
	deriver, err := identity.NewDeriver(cfg.UserHashSalt)
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Println(deriver.Derive(instance, account))
	return nil
}
