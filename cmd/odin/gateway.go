package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	gcsstorage "cloud.google.com/go/storage"

	"github.com/odin-gateway/odin/pkg/config"
	"github.com/odin-gateway/odin/pkg/hel"
	"github.com/odin-gateway/odin/pkg/keystore"
	"github.com/odin-gateway/odin/pkg/ledger"
	"github.com/odin-gateway/odin/pkg/orchestrator"
	"github.com/odin-gateway/odin/pkg/proofenv"
	"github.com/odin-gateway/odin/pkg/receipt"
	"github.com/odin-gateway/odin/pkg/reload"
	"github.com/odin-gateway/odin/pkg/sft"
	"github.com/odin-gateway/odin/pkg/storage"
	"github.com/odin-gateway/odin/pkg/translate"
)

// gateway bundles the wired Orchestrator with the collaborators server.go's
// handlers need directly (keys, reloader) that the Orchestrator does not
// expose itself.
type gateway struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	keys   *keystore.KeyRing
	reload *reload.Reloader
	policy *hel.Engine
	store  storage.Store
}

// newGateway wires every package this repo built into one Orchestrator,
// following the teacher's runServer pattern of resolving storage, keys, and
// subsystem services up front and handing the assembled value to the HTTP
// layer.
func newGateway(cfg *config.Config) (*gateway, error) {
	translate.NowFn = func() int64 { return time.Now().UnixNano() }

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	keys, err := newKeyRing(cfg)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	ttl := time.Duration(cfg.DynamicTTLS) * time.Second
	reloader := reload.New(nil)
	policy := hel.NewEngine(hel.Policy{})

	reloader.Register(reload.Asset{
		Key:    "policy",
		Source: policySource(cfg),
		Parse: func(body []byte) (any, error) {
			var p hel.Policy
			if err := reload.ParseYAML(body, &p); err != nil {
				return nil, err
			}
			return p, nil
		},
		TTL: ttl,
	})

	mapAssets, err := registerSftMapAssets(reloader, cfg, ttl)
	if err != nil {
		return nil, fmt.Errorf("sft maps: %w", err)
	}

	policyLookup := orchestrator.PolicyLookup(func() *hel.Engine {
		if v, err := reloader.Get(context.Background(), "policy", false); err == nil {
			if p, ok := v.(hel.Policy); ok {
				policy.SetPolicy(p)
			}
		}
		return policy
	})

	mapLookup := orchestrator.MapLookup(func(mapID string) (translate.SftMap, bool, error) {
		key, ok := mapAssets[mapID]
		if !ok {
			return translate.SftMap{}, false, nil
		}
		v, err := reloader.Get(context.Background(), key, false)
		if err != nil {
			return translate.SftMap{}, false, err
		}
		m, ok := v.(translate.SftMap)
		if !ok {
			return translate.SftMap{}, false, fmt.Errorf("sft map %q: unexpected asset type", mapID)
		}
		return m, true, nil
	})

	var tenantLimiter *orchestrator.TenantLimiters
	if cfg.TenantRateLimitQPS > 0 {
		tenantLimiter = orchestrator.NewTenantLimiters(cfg.TenantRateLimitQPS, int(cfg.TenantRateLimitQPS)+1)
	}
	var tenantQuota *orchestrator.MonthlyQuota
	if cfg.TenantQuotaMonthlyRequests > 0 {
		tenantQuota = orchestrator.NewMonthlyQuota(orchestrator.NewMemoryQuotaStore(), cfg.TenantQuotaMonthlyRequests)
	}

	ledgerBackend, err := newLedgerBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Verifier:      proofenv.NewVerifier(nil, cfg.PublicBaseURL),
		Registry:      sft.NewRegistry(),
		Maps:          mapLookup,
		Policy:        policyLookup,
		Keys:          keys,
		Receipts:      receipt.NewBuilder(store),
		Ledger:        ledger.New(ledgerBackend),
		Store:         store,
		JWKSURL:       cfg.PublicBaseURL + "/.well-known/odin/jwks.json",
		TenantLimiter: tenantLimiter,
		TenantQuota:   tenantQuota,
	})

	return &gateway{cfg: cfg, orch: orch, keys: keys, reload: reloader, policy: policy, store: store}, nil
}

func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "s3":
		return newS3Store(cfg)
	case "gcs":
		return newGCSStore(cfg)
	case "file", "":
		return storage.NewFileStore(cfg.DataDir)
	default:
		return storage.NewFileStore(cfg.DataDir)
	}
}

// newS3Store builds an S3-backed Store using the ambient AWS credential
// chain (environment, shared config, or IAM role) resolved by the SDK's
// default config loader.
func newS3Store(cfg *config.Config) (storage.Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("ODIN_S3_BUCKET is required when ODIN_STORAGE_BACKEND=s3")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return storage.NewS3Store(client, cfg.S3Bucket, cfg.S3PublicBase), nil
}

// newGCSStore builds a GCS-backed Store using Application Default
// Credentials resolved by the Cloud Storage client library.
func newGCSStore(cfg *config.Config) (storage.Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("ODIN_GCS_BUCKET is required when ODIN_STORAGE_BACKEND=gcs")
	}
	client, err := gcsstorage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return storage.NewGCSStore(client, cfg.GCSBucket, cfg.GCSPublicBase), nil
}

// newLedgerBackend selects the Ledger's durable backend from
// cfg.LedgerBackend, matching the "append-only file, in-memory ring, or
// remote KV" choices spec.md §4.10 names.
func newLedgerBackend(cfg *config.Config) (ledger.Backend, error) {
	switch cfg.LedgerBackend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.LedgerDSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return ledger.NewSQLiteBackend(db)
	case "postgres":
		db, err := sql.Open("postgres", cfg.LedgerDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		return ledger.NewPostgresBackend(db)
	case "redis":
		client, err := newRedisClient(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		return ledger.NewRedisBackend(client, cfg.RedisPrefix), nil
	case "memory", "":
		return ledger.NewMemoryBackend(), nil
	default:
		return ledger.NewMemoryBackend(), nil
	}
}

// newRedisClient accepts either a full redis:// URL or a bare host:port
// address for ODIN_REDIS_ADDR.
func newRedisClient(addr string) (*redis.Client, error) {
	if opts, err := redis.ParseURL(addr); err == nil {
		return redis.NewClient(opts), nil
	}
	if addr == "" {
		return nil, fmt.Errorf("ODIN_REDIS_ADDR is required when ODIN_LEDGER_BACKEND=redis")
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func newKeyRing(cfg *config.Config) (*keystore.KeyRing, error) {
	if cfg.KeystorePath == "" {
		return keystore.Ephemeral()
	}
	return keystore.LoadOrCreatePersistent(cfg.KeystorePath)
}

func policySource(cfg *config.Config) reload.Source {
	if cfg.PolicySource == "" {
		return reload.StaticSource{Body: []byte("{}"), ETag: "empty"}
	}
	return reload.FileSource{Path: cfg.PolicySource}
}

// registerSftMapAssets discovers *.yaml/*.yml files under cfg.SftMapsDir and
// registers one reload.Asset per file, keyed by its base filename without
// extension (e.g. "alpha_to_beta.yaml" -> map id "alpha_to_beta"). Returns
// the mapID -> asset-key lookup HandleTranslate's MapLookup needs.
func registerSftMapAssets(r *reload.Reloader, cfg *config.Config, ttl time.Duration) (map[string]string, error) {
	out := make(map[string]string)
	if cfg.SftMapsDir == "" {
		return out, nil
	}

	entries, err := os.ReadDir(cfg.SftMapsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		mapID := strings.TrimSuffix(name, ext)
		key := "sft_map:" + mapID
		path := filepath.Join(cfg.SftMapsDir, name)

		r.Register(reload.Asset{
			Key:    key,
			Source: reload.FileSource{Path: path},
			Parse: func(body []byte) (any, error) {
				var m translate.SftMap
				if err := reload.ParseYAML(body, &m); err != nil {
					return nil, err
				}
				return m, nil
			},
			TTL: ttl,
		})
		out[mapID] = key
	}
	return out, nil
}
