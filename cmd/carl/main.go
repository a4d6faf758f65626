package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"opendut/internal/authn"
	"opendut/internal/broker"
	"opendut/internal/config"
	"opendut/internal/manager"
	"opendut/internal/rpc"
	"opendut/internal/server"
	"opendut/internal/store"
	"opendut/internal/store/memory"
	"opendut/internal/store/relational"
	"opendut/internal/telemetry"
	"opendut/internal/version"
)

func main() {
	logger := telemetry.NewLogger("carl")
	config.LoadEnv(logger)

	logger.Infof("Starting carl (openDuT coordinator) %s", version.Version)

	configPath := config.GetEnv("CARL_CONFIG", "/etc/opendut/carl/carl.toml")
	cfg, err := config.LoadCarl(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, db := openStore(cfg, logger)
	defer st.Close()

	metricsCollector := telemetry.NewMetricsCollector("carl", version.Version, version.GitCommit)
	healthChecker := telemetry.NewHealthChecker("carl", version.Version)
	if db != nil {
		healthChecker.AddCheck("database", telemetry.DatabaseHealthCheck(db.DB()))
	}

	brk := broker.New(st, logger, metricsCollector, broker.Config{})
	mgr := manager.New(st, brk, logger, metricsCollector, manager.Config{ClusterPortBase: manager.DefaultClusterPortBase})

	mgr.Start(ctx)
	defer mgr.Stop()
	brk.StartLiveness(ctx)
	defer brk.StopLiveness()

	healthChecker.AddCheck("broker", func(context.Context) telemetry.CheckResult {
		return telemetry.CheckResult{
			Status:  telemetry.StatusHealthy,
			Message: fmt.Sprintf("%d peers connected", brk.ConnectedPeers()),
		}
	})

	carlServer := server.NewCarlServer(mgr, brk, logger, metricsCollector)
	if host := cfg.Network.Remote.Host; host != "" {
		if ip := net.ParseIP(host); ip != nil {
			carlServer.SetRemoteHostOverride(ip)
		}
	}

	grpcServer, err := buildGRPCServer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure gRPC server")
	}
	rpc.RegisterMetadataProviderServer(grpcServer, carlServer)
	rpc.RegisterPeersRegistrarServer(grpcServer, carlServer)
	rpc.RegisterClusterManagerServer(grpcServer, carlServer)
	rpc.RegisterPeerMessagingBrokerServer(grpcServer, carlServer)

	listener, err := net.Listen("tcp", cfg.Network.Bind.Address())
	if err != nil {
		logger.WithError(err).Fatalf("Failed to bind %s", cfg.Network.Bind.Address())
	}

	go serveObservability(logger, healthChecker, metricsCollector, cfg)

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("Shutting down")
		cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			grpcServer.Stop()
		}
	}()

	logger.WithFields(telemetry.Fields{"address": cfg.Network.Bind.Address(), "tls": cfg.Network.TLS.Enabled}).Info("Serving gRPC")
	if err := grpcServer.Serve(listener); err != nil {
		logger.WithError(err).Fatal("gRPC server terminated")
	}
}

// openStore builds the configured persistence backend. The second return
// is non-nil only for the relational backend, for the database health check.
func openStore(cfg config.Carl, logger telemetry.Logger) (store.Store, *relational.Store) {
	switch cfg.Persistence.Kind {
	case config.PersistenceDatabase:
		dbCfg := relational.DefaultConfig()
		dbCfg.URL = databaseURL(cfg.Persistence.Database)
		st, err := relational.Connect(dbCfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		return st, st
	default:
		logger.Info("Using in-memory persistence")
		return memory.New(), nil
	}
}

// databaseURL folds the separately-configured credentials into the
// connection URL, leaving URLs that already carry userinfo untouched.
func databaseURL(db config.Database) string {
	if db.Username == "" {
		return db.URL
	}
	parsed, err := url.Parse(db.URL)
	if err != nil || parsed.User != nil {
		return db.URL
	}
	parsed.User = url.UserPassword(db.Username, db.Password)
	return parsed.String()
}

func buildGRPCServer(cfg config.Carl, logger telemetry.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption

	if cfg.Network.TLS.Enabled {
		creds, err := credentials.NewServerTLSFromFile(cfg.Network.TLS.Certificate, cfg.Network.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load TLS material: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	authCfg := rpc.AuthConfig{
		Enabled: cfg.Network.OIDC.Enabled,
		// Version probing stays open so edgar setup can reach the
		// coordinator before it has credentials.
		SkipMethods: []string{"/opendut.MetadataProvider/version"},
	}
	var validator *authn.Validator
	if authCfg.Enabled {
		jwksURL := strings.TrimSuffix(cfg.Network.OIDC.Issuer.URL, "/") + "/protocol/openid-connect/certs"
		validator = authn.NewValidator(authn.NewKeySet(jwksURL, 10*time.Minute), cfg.Network.OIDC.Issuer.URL)
		logger.WithFields(telemetry.Fields{"issuer": cfg.Network.OIDC.Issuer.URL}).Info("Bearer-token authentication enabled")
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(rpc.AuthUnaryInterceptor(authCfg, validator)),
		grpc.ChainStreamInterceptor(rpc.AuthStreamInterceptor(authCfg, validator)),
	)

	return grpc.NewServer(opts...), nil
}

// serveObservability exposes /health, /metrics and /version on a side
// listener, plus the operator UI's static files when configured.
func serveObservability(logger telemetry.Logger, healthChecker *telemetry.HealthChecker, metricsCollector *telemetry.MetricsCollector, cfg config.Carl) {
	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker.Handler())
	mux.Handle("/metrics", metricsCollector.Handler())
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		info := version.GetInfo()
		fmt.Fprintf(w, `{"version":%q,"git_commit":%q,"build_date":%q}`, info.Version, info.GitCommit, info.BuildDate)
	})
	if dir := cfg.Serve.UI.Directory; dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Network.Bind.Host, config.GetEnvInt("METRICS_PORT", 9090))
	logger.WithFields(telemetry.Fields{"address": addr}).Info("Serving health/metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("Observability listener terminated")
	}
}
