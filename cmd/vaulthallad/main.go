// Command vaulthallad is the Vaulthalla daemon entrypoint. It loads the
// daemon config, brings up the Metadata Store and Thread-Pool Manager once,
// then for every configured vault builds a Permission Resolver, a Vault
// Storage Engine, a Synchronization Controller, and a FUSE adapter and
// mounts it — the bootstrap order spec §2 describes (MS -> Thread-Pool
// Manager -> Permission Resolver -> Storage Engine -> Sync Controller ->
// FUSE adapter).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	vaultfuse "github.com/vaulthalla/vaulthalla/internal/fuse"
	"github.com/vaulthalla/vaulthalla/internal/fuseadapter"
	"github.com/vaulthalla/vaulthalla/internal/health"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/pool"
	"github.com/vaulthalla/vaulthalla/internal/rbac"
	"github.com/vaulthalla/vaulthalla/internal/s3wire"
	"github.com/vaulthalla/vaulthalla/internal/store"
	"github.com/vaulthalla/vaulthalla/internal/syncengine"
	"github.com/vaulthalla/vaulthalla/internal/vault"
	"github.com/vaulthalla/vaulthalla/pkg/logging"
)

// evictionInterval paces the local cache budget sweep independently of
// each vault's sync interval; eviction only touches already-pushed blobs,
// so it doesn't need to track the sync cadence.
const evictionInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "/etc/vaulthalla/vaulthalla.yaml", "path to the daemon config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaulthallad: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Global.LogLevel),
		Format: formatFor(cfg.Global.LogFormat),
	}).WithComponent("vaulthallad")

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func formatFor(name string) logging.Format {
	if strings.EqualFold(name, "json") {
		return logging.FormatJSON
	}
	return logging.FormatText
}

func run(cfg *config.Configuration, logger *logging.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Metadata Store.
	st, err := store.Open(cfg.Global.MSPath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer st.Close()
	logger.Info("metadata store opened", "path", cfg.Global.MSPath)

	// Metrics and health, ambient across every vault.
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Monitoring.MetricsEnabled
	metricsCfg.Port = cfg.Monitoring.MetricsPort
	collector, err := metrics.NewCollector(metricsCfg)
	if err != nil {
		return fmt.Errorf("build metrics collector: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer collector.Stop(context.Background())

	monitor := health.NewMonitor()
	monitor.Register(health.Check{
		Name: "metadata_store",
		Probe: func(context.Context) (health.Status, string) {
			if err := st.Ping(); err != nil {
				return health.StatusDown, err.Error()
			}
			return health.StatusHealthy, ""
		},
	})

	// Thread-Pool Manager: one pool per traffic class, shared across vaults.
	poolMgr := pool.New(pool.Config{
		Pools: map[string]int{
			"fuse":  cfg.Pools.FUSEWorkers,
			"http":  cfg.Pools.HTTPWorkers,
			"thumb": cfg.Pools.ThumbWorkers,
			"sync":  cfg.Pools.SyncWorkers,
		},
		ReserveSize:   cfg.Pools.ReserveSize,
		ReserveFactor: cfg.Pools.ReserveFactor,
		MonitorTick:   cfg.Pools.MonitorTick,
	}, logger, collector)
	if err := poolMgr.Start(ctx); err != nil {
		return fmt.Errorf("start thread-pool manager: %w", err)
	}
	defer poolMgr.Shutdown(context.Background())

	if err := os.MkdirAll(cfg.Cache.Directory, 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	s3Client := s3wire.New(s3wire.Config{
		Endpoint: cfg.Storage.S3.Endpoint,
		Region:   cfg.Storage.S3.Region,
		Bucket:   cfg.Storage.S3.Bucket,
		Credentials: s3wire.Credentials{
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		},
		UsePathStyle: cfg.Storage.S3.UsePathStyle,
		Timeout:      cfg.Storage.S3.RequestTimeout,
	})

	mounts := make([]*vaultfuse.MountManager, 0, len(cfg.Vaults))
	var wg sync.WaitGroup

	for _, vc := range cfg.Vaults {
		mgr, err := bootstrapVault(ctx, vc, cfg, st, poolMgr, collector, s3Client, monitor, logger, &wg)
		if err != nil {
			return fmt.Errorf("vault %q: %w", vc.Name, err)
		}
		mounts = append(mounts, mgr)
	}

	logger.Info("vaulthallad ready", "vaults", len(mounts))

	<-ctx.Done()
	logger.Info("shutting down")

	for i, mgr := range mounts {
		if err := mgr.Unmount(); err != nil {
			logger.Warn("unmount failed", "vault", cfg.Vaults[i].Name, "error", err)
		}
	}
	wg.Wait()

	return nil
}

// bootstrapVault builds one vault's Permission Resolver, Vault Storage
// Engine, Synchronization Controller, and FUSE adapter, then mounts it
// (spec §2 per-vault bootstrap).
func bootstrapVault(
	ctx context.Context,
	vc config.VaultConfig,
	cfg *config.Configuration,
	st *store.Store,
	poolMgr *pool.Manager,
	collector *metrics.Collector,
	s3Client *s3wire.Client,
	monitor *health.Monitor,
	logger *logging.Logger,
	wg *sync.WaitGroup,
) (*vaultfuse.MountManager, error) {
	vlog := logger.WithComponent("vault").WithField("vault", vc.Name)

	v, err := st.GetVaultByName(vc.Name)
	if err != nil {
		v, err = st.CreateVault(vc.Name, vc.QuotaBytes)
		if err != nil {
			return nil, fmt.Errorf("create vault: %w", err)
		}
		vlog.Info("vault provisioned")
	}

	keyring, err := loadKeyring(cfg.Security.VaultKeyDirectory, vc.Name)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}

	subject, err := resolveSubject(st, vc.APIKeyFile)
	if err != nil {
		return nil, fmt.Errorf("resolve mount subject: %w", err)
	}

	resolver := rbac.NewResolver(st, v.ID)

	cacheDir := filepath.Join(cfg.Cache.Directory, vc.Name)
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault cache directory: %w", err)
	}

	engine := vault.New(vault.Config{
		Store:    st,
		Vault:    v,
		Keyring:  keyring,
		CacheDir: cacheDir,
		Metrics:  collector,
	})

	interval := time.Duration(vc.SyncIntervalS) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	controller := syncengine.New(syncengine.Deps{
		Store:   st,
		Vault:   v,
		Engine:  engine,
		Keyring: keyring,
		Client:  s3Client,
		Logger:  vlog,
		Metrics: collector,
	})
	engine.SetSink(controller)

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.Run(ctx, interval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunEviction(ctx, cfg.Cache.MaxBytes, cfg.Cache.EvictionStep, evictionInterval)
	}()

	monitor.Register(health.Check{
		Name: "sync:" + vc.Name,
		Probe: func(context.Context) (health.Status, string) {
			if controller.Halted() {
				return health.StatusDown, "sync halted after fatal error"
			}
			if controller.State() != syncengine.StateIdle {
				return health.StatusDegraded, controller.State().String()
			}
			return health.StatusHealthy, ""
		},
	})

	vfs := fuseadapter.New(fuseadapter.Config{
		Engine:     engine,
		Resolver:   resolver,
		Pool:       poolMgr,
		Subject:    subject,
		Metrics:    collector,
		Logger:     vlog,
		DefaultUID: processUID(),
		DefaultGID: processGID(),
	})

	mountPoint := filepath.Join(cfg.Global.MountRoot, vc.Name)
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	mgr := vaultfuse.NewMountManager(vfs.Root(), &vaultfuse.MountConfig{
		MountPoint: mountPoint,
		Options: &vaultfuse.MountOptions{
			FSName:       "vaulthalla",
			Subtype:      vc.Name,
			DefaultPerms: true,
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
	})
	if err := mgr.Mount(ctx); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	vlog.Info("vault mounted", "mount_point", mountPoint)

	return mgr, nil
}

// processUID/processGID report the daemon's own OS identity as the owner
// every file and directory is reported to the kernel under, mirroring
// internal/fuse/mount.go's Permissions defaults.
func processUID() uint32 {
	if uid := os.Getuid(); uid >= 0 {
		return uint32(uid)
	}
	return 0
}

func processGID() uint32 {
	if gid := os.Getgid(); gid >= 0 {
		return uint32(gid)
	}
	return 0
}

// loadKeyring reads every "<version>.hex" file under dir/vaultName — each
// holding a hex-encoded 32-byte AES-256 key — and builds a VaultKeyring
// with the highest version number as current. There is no spec-mandated
// key file format; this is the daemon's own provisioning convention
// (DESIGN.md records the decision).
func loadKeyring(dir, vaultName string) (*crypto.VaultKeyring, error) {
	keyDir := filepath.Join(dir, vaultName)
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("read key directory %s: %w", keyDir, err)
	}

	keys := make(map[crypto.KeyVersion][]byte)
	var versions []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hex") {
			continue
		}
		versionStr := strings.TrimSuffix(e.Name(), ".hex")
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(keyDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", e.Name(), err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", e.Name(), err)
		}
		keys[crypto.KeyVersion(version)] = key
		versions = append(versions, version)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no key files found in %s", keyDir)
	}
	sort.Ints(versions)
	current := crypto.KeyVersion(versions[len(versions)-1])

	return crypto.NewKeyring(keys, current)
}

// resolveSubject looks up the API key at apiKeyFile and resolves it to the
// rbac.Subject this vault's entire FUSE mount runs as (see
// fuseadapter.Config.Subject's doc comment for why this happens once, at
// mount time, rather than per kernel request).
func resolveSubject(st *store.Store, apiKeyFile string) (rbac.Subject, error) {
	raw, err := os.ReadFile(apiKeyFile)
	if err != nil {
		return rbac.Subject{}, fmt.Errorf("read api key file %s: %w", apiKeyFile, err)
	}
	key, err := st.LookupAPIKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return rbac.Subject{}, fmt.Errorf("look up api key: %w", err)
	}
	groups, err := st.GroupsForUser(key.UserID)
	if err != nil {
		return rbac.Subject{}, fmt.Errorf("resolve groups for user %s: %w", key.UserID, err)
	}
	return rbac.Subject{UserID: key.UserID, GroupIDs: groups}, nil
}
