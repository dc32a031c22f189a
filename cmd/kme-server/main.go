package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/qkd-kme/internal/config"
	"github.com/r3e-network/qkd-kme/internal/identity"
	"github.com/r3e-network/qkd-kme/internal/keygen"
	"github.com/r3e-network/qkd-kme/internal/keystore"
	"github.com/r3e-network/qkd-kme/internal/kmeapi"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/metrics"
	"github.com/r3e-network/qkd-kme/internal/peers"
	"github.com/r3e-network/qkd-kme/internal/poolclient"
	"github.com/r3e-network/qkd-kme/internal/ratelimit"
	"github.com/r3e-network/qkd-kme/internal/resilience"
	"github.com/r3e-network/qkd-kme/internal/sharedpool"
	"github.com/r3e-network/qkd-kme/internal/worker"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional dotenv file layered under the environment")
	flag.Parse()

	cfg, err := config.LoadKMEConfig(*envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("kme-server", cfg.LogLevel, cfg.LogFormat)
	reg := metrics.New()

	staticMap, err := peers.ParseStaticMap(cfg.SAEKMEMap)
	if err != nil {
		log.Fatalf("parse SAE_KME_MAP: %v", err)
	}
	resolver := peers.New(peers.Config{
		StaticMap: staticMap,
		PeerURLs:  cfg.PeerURLs(),
		Logger:    logger,
	})
	defer resolver.Stop()

	isMaster := cfg.Role() == config.RoleMaster

	var (
		pool    *sharedpool.Pool
		client  poolclient.Client
		workers = worker.NewGroup()
	)

	if isMaster {
		pool = sharedpool.New(sharedpool.Config{
			DefaultKeySizeBytes: cfg.DefaultKeySize,
			MaxKeyCount:         cfg.MaxKeyCount,
			BatchSize:           cfg.KeyGenBatchSize,
			RefillThreshold:     cfg.RefillThreshold,
			GenerateInterval:    time.Duration(cfg.KeyGenSecToGen) * time.Second,
		}, keygen.New(), sharedpool.NewFileSnapshot(cfg.PersistencePath), logger)

		keys, totalGenerated, totalRetrieved, err := sharedpool.Load(cfg.PersistencePath)
		if err != nil {
			log.Fatalf("load shared pool snapshot: %v", err)
		}
		if len(keys) > 0 {
			pool.Restore(keys, totalGenerated, totalRetrieved)
			logger.WithFields(map[string]interface{}{"keys": len(keys)}).Info("shared pool restored from snapshot")
		}

		client = poolclient.NewLocal(pool, keygen.New(), logger)
		workers.Add(worker.New(worker.Config{
			Name:     "shared-pool-refill",
			Interval: time.Duration(cfg.KeyGenSecToGen) * time.Second,
			Logger:   logger,
		}, pool.RefillTick))
	} else {
		peerURLs := cfg.PeerURLs()
		if len(peerURLs) == 0 {
			log.Fatalf("slave role requires NEXT_DOOR_KM_URL or PEER_KME_URLS")
		}
		client = poolclient.NewRemote(poolclient.RemoteConfig{
			BaseURL:        peerURLs[0],
			RequesterKMEID: cfg.KMEID,
			Timeout:        cfg.KeyAcquireTimeout + 5*time.Second,
		}, resilience.New(resilience.DefaultConfig()), logger)
	}

	// Only the master originates broadcasts; a slave's store is written by
	// applying incoming broadcasts from its master.
	var notifier keystore.PeerNotifier
	if isMaster {
		notifier = keystore.NewHTTPNotifier(resolver, cfg.KMEID, nil, logger)
	}
	store := keystore.New(notifier)

	service := kmeapi.NewService(cfg.KMEID, client, store, kmeapi.Limits{
		DefaultKeySize:    cfg.DefaultKeySize,
		MaxKeySize:        cfg.MaxKeySize,
		MinKeySize:        cfg.MinKeySize,
		MaxKeysPerRequest: cfg.MaxKeysPerRequest,
		MaxKeyCount:       cfg.MaxKeyCount,
		AcquireTimeout:    cfg.KeyAcquireTimeout,
	}, logger)

	var attached []string
	if cfg.AttachedSAEID != "" {
		attached = []string{cfg.AttachedSAEID}
	}

	router := kmeapi.NewRouter(kmeapi.RouterConfig{
		Service:        service,
		Resolver:       identity.New(),
		Pool:           pool,
		Store:          store,
		KMEID:          cfg.KMEID,
		AttachedSAEIDs: attached,
		IsMaster:       isMaster,
		AcquireTimeout: cfg.KeyAcquireTimeout,
		RateLimit:      ratelimit.DefaultConfig(),
		Logger:         logger,
		Metrics:        reg,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.UseHTTPS {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			log.Fatalf("build TLS config: %v", err)
		}
		server.TLSConfig = tlsCfg
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers.StartAll(ctx)
	defer workers.StopAll()

	metricsServer := startMetricsServer(cfg.MetricsPort, reg, logger)

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr": cfg.ListenAddr, "kme_id": cfg.KMEID, "role": string(cfg.Role()), "https": cfg.UseHTTPS,
		}).Info("kme-server listening")

		var err error
		if cfg.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server exited")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown incomplete")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

// buildTLSConfig prepares the listener TLS settings. When a client CA
// bundle is configured, client certificates are verified when presented so
// identity.Resolver can read the SAE id from the certificate CN; callers
// without a certificate can still authenticate via the X-SAE-ID header.
func buildTLSConfig(cfg *config.KMEConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSClientCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}

func startMetricsServer(port int, reg *metrics.Registry, logger *logging.Logger) *http.Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("metrics server exited")
		}
	}()
	return server
}
