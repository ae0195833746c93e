// Package bootstrap assembles the engine from host configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/internal/metrics"
	"go.pilab.hu/ssoengine/keys"
	"go.pilab.hu/ssoengine/lock"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/mongodb"
	"go.pilab.hu/ssoengine/resources"
	"go.pilab.hu/ssoengine/services"
	"go.pilab.hu/ssoengine/store"
	"go.pilab.hu/ssoengine/store/bbolt"
	"go.pilab.hu/ssoengine/store/memory"
	storeredis "go.pilab.hu/ssoengine/store/redis"
	"k8s.io/utils/clock"
)

const redisLockLease = 30 * time.Second

// Engine is an assembled engine together with the resources it owns.
type Engine struct {
	Service  *services.OAuthService
	Grants   store.PersistedGrantStore
	Keys     *keys.Holder
	Registry *prometheus.Registry
	// Cleanup is nil when the grant store expires rows on its own.
	Cleanup *store.TokenCleanup

	closers []func(context.Context) error
}

// Close releases connections in reverse order of creation.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// New connects the configured backends and builds the engine. The caller must Close the
// returned engine.
func New(ctx context.Context, cfg *config.ServerConfig, logger log.Logger) (*Engine, error) {
	clk := clock.RealClock{}
	opts := cfg.Options()
	e := &Engine{}

	seed := &config.Seed{}
	if cfg.SeedFile != "" {
		var err error
		if seed, err = config.LoadSeed(cfg.SeedFile); err != nil {
			return nil, err
		}
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		e.Registry = prometheus.NewRegistry()
		m = metrics.New(e.Registry)
	}

	grants, clients, redisClient, err := e.openBackend(ctx, cfg, seed, clk, logger)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	e.Grants = grants

	locker, err := newLocker(cfg, redisClient)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	if e.Keys, err = LoadKeys(cfg, clk.Now()); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	e.Service, err = services.NewOAuthService(services.Dependencies{
		Options:   opts,
		Clients:   clients,
		Resources: resources.NewMemoryResourceStore(seed.Resources),
		Grants:    grants,
		Locker:    locker,
		Keys:      e.Keys,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	if cleanup, ok := store.NewTokenCleanup(grants, clk, cfg.CleanupEvery, logger); ok {
		e.Cleanup = cleanup
	}
	logger.Info(ctx, "Engine initialized", log.Fields{
		"issuer":      opts.Issuer,
		"store":       cfg.StoreBackend,
		"lock":        cfg.LockBackend,
		"grant_types": e.Service.GrantTypes(),
	})
	return e, nil
}

func (e *Engine) openBackend(ctx context.Context, cfg *config.ServerConfig, seed *config.Seed, clk clock.PassiveClock, logger log.Logger) (store.PersistedGrantStore, client.ClientStore, goredis.UniversalClient, error) {
	seeded := func() client.ClientStore {
		clients := make([]*domain.Client, 0, len(seed.Clients))
		for i := range seed.Clients {
			clients = append(clients, &seed.Clients[i])
		}
		return client.NewMemoryClientStore(clients...)
	}

	var redisClient goredis.UniversalClient
	if cfg.LockBackend == config.BackendRedis || cfg.StoreBackend == config.BackendRedis {
		rc, err := storeredis.NewClient(ctx, storeredis.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return rc.Close() })
		redisClient = rc
	}

	switch cfg.StoreBackend {
	case config.BackendMemory, "":
		return memory.NewGrantStore(clk), seeded(), redisClient, nil

	case config.BackendRedis:
		return storeredis.NewGrantStore(redisClient, cfg.RedisKeyPrefix, clk), seeded(), redisClient, nil

	case config.BackendBBolt:
		s, err := bbolt.Open(cfg.BBoltPath, clk)
		if err != nil {
			return nil, nil, nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return s.Close() })
		return s, seeded(), redisClient, nil

	case config.BackendMongoDB:
		mc, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, nil, err
		}
		e.closers = append(e.closers, func(ctx context.Context) error {
			mongodb.Close(ctx, mc)
			return nil
		})
		grants, err := mongodb.NewGrantStore(ctx, db, clk)
		if err != nil {
			return nil, nil, nil, err
		}
		clients, err := seedMongoClients(ctx, db, seed, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return grants, clients, redisClient, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func seedMongoClients(ctx context.Context, db *mongo.Database, seed *config.Seed, logger log.Logger) (*mongodb.ClientRepository, error) {
	repo := mongodb.NewClientRepository(db)
	for i := range seed.Clients {
		if err := repo.Upsert(ctx, &seed.Clients[i]); err != nil {
			return nil, fmt.Errorf("failed to seed client %s: %w", seed.Clients[i].ClientID, err)
		}
	}
	if len(seed.Clients) > 0 {
		logger.Info(ctx, "Seeded clients into MongoDB", log.Fields{"count": len(seed.Clients)})
	}
	return repo, nil
}

func newLocker(cfg *config.ServerConfig, redisClient goredis.UniversalClient) (lock.Locker, error) {
	switch cfg.LockBackend {
	case config.BackendMemory, "":
		return lock.NewMemory(), nil
	case config.BackendRedis:
		return lock.NewRedis(redisClient, cfg.RedisKeyPrefix, redisLockLease), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}

// LoadKeys builds the signing key set. The first configured file signs; later files are
// retired keys kept in the JWKS for the grace period. Without files a key is generated,
// which only suits development since tokens do not survive a restart.
func LoadKeys(cfg *config.ServerConfig, now time.Time) (*keys.Holder, error) {
	var signing []keys.SigningKey
	for i, path := range cfg.SigningKeyFiles {
		priv, err := keys.LoadSigningKey(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		alg := ""
		if i == 0 {
			alg = cfg.SigningAlgorithm
		}
		k, err := keys.NewSigningKey(priv, alg, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if i > 0 {
			retired := now
			k.Expires = &retired
		}
		signing = append(signing, *k)
	}

	if len(signing) == 0 {
		priv, err := keys.GeneratePrivateKey(cfg.SigningAlgorithm)
		if err != nil {
			return nil, err
		}
		k, err := keys.NewSigningKey(priv, cfg.SigningAlgorithm, now)
		if err != nil {
			return nil, err
		}
		signing = append(signing, *k)
	}

	p, err := keys.NewProvider(cfg.KeyGracePeriod, signing...)
	if err != nil {
		return nil, err
	}
	return keys.NewHolder(p), nil
}
