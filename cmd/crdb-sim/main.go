package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Stars1233/memori/internal/api"
	memorilog "github.com/Stars1233/memori/internal/log"
	natsclient "github.com/Stars1233/memori/internal/nats"
	"github.com/Stars1233/memori/internal/server"
	"github.com/Stars1233/memori/internal/storage"
	"github.com/Stars1233/memori/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

func main() {
	addr := flag.String("grpc-addr", ":50051", "gRPC listen address")
	httpAddr := flag.String("http-addr", ":8080", "HTTP shim listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	dbPath := flag.String("db", "./data/badger", "Badger DB path")
	natsURL := flag.String("nats", "", "publish cluster events to this NATS server")
	provisionDelay := flag.Duration("provision-delay", 3*time.Second, "time a cluster spends Provisioning")
	transitionDelay := flag.Duration("transition-delay", 2*time.Second, "time start, stop and destroy take")
	clusterLimit := flag.Int("cluster-limit", server.DefaultClusterLimit, "clusters each account may run")
	traceSpans := flag.Bool("trace", false, "write OpenTelemetry spans to stderr")
	flag.Parse()

	logger, err := memorilog.New(memorilog.Options{Level: "info"})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *traceSpans {
		shutdown, err := telemetry.Setup("crdb-sim", os.Stderr)
		if err != nil {
			logger.Fatalf("tracing: %v", err)
		}
		defer shutdown(context.Background())
	}

	// Create storage
	store, err := storage.NewBadgerStore(*dbPath)
	if err != nil {
		logger.Fatalf("failed to open badger store: %v", err)
	}
	defer store.Close()

	opts := server.Options{
		ProvisionDelay:  *provisionDelay,
		TransitionDelay: *transitionDelay,
		ClusterLimit:    *clusterLimit,
		Registerer:      prometheus.DefaultRegisterer,
		Logger:          logger,
	}
	if *natsURL != "" {
		pub, err := natsclient.NewPublisher(*natsURL, "crdb-sim", logger)
		if err != nil {
			logger.Warnf("event publishing disabled: %v", err)
		} else {
			defer pub.Close()
			opts.Publisher = pub
		}
	}
	srv := server.New(store, opts)

	// Start gRPC server
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatalf("failed to listen on %s: %v", *addr, err)
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)

	go func() {
		logger.Infof("gRPC server listening on %s", *addr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatalf("grpc serve error: %v", err)
		}
	}()

	// Start HTTP shim
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(srv, logger),
	}
	go func() {
		logger.Infof("HTTP shim listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http listen: %v", err)
		}
	}()

	// Metrics endpoint
	mux := http.NewServeMux()
	api.RegisterMetrics(mux, prometheus.DefaultGatherer)
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		logger.Infof("Prometheus metrics available on %s/metrics", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("metrics server: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown initiated")

	grpcServer.GracefulStop()
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warnf("http server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warnf("metrics server shutdown error: %v", err)
	}
	logger.Info("shutdown complete")
}
