package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/credmesh/credmesh/pkg/api"
	"github.com/credmesh/credmesh/pkg/config"
	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/logstore"
	"github.com/credmesh/credmesh/pkg/node"
	"github.com/credmesh/credmesh/pkg/seal"
	"github.com/credmesh/credmesh/pkg/transport"
)

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMeshCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: credmesh mesh <init|run|verify|scenario> [flags]")
		return 2
	}
	switch args[0] {
	case "init":
		return runMeshInit(args[1:], stdout, stderr)
	case "run":
		return runMeshRun(args[1:], stdout, stderr)
	case "verify":
		return runMeshVerify(args[1:], stdout, stderr)
	case "scenario":
		return runMeshScenario(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown mesh subcommand: %s\n", args[0])
		return 2
	}
}

// runMeshInit boots the runtime once to lay out the storage root, then
// reports the node identity.
func runMeshInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mesh init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	rt, err := node.Boot(context.Background(), cfg, node.Options{KeyMaterial: []byte(*keyMaterial)})
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Shutdown(context.Background())

	_, _ = fmt.Fprintf(stdout, "node %s tenant %s roles %s\n", cfg.NodeID, cfg.TenantID, cfg.NodeRole)
	_, _ = fmt.Fprintf(stdout, "storage %s\n", cfg.StorageRoot)
	_, _ = fmt.Fprintf(stdout, "key_id %s algorithm %s\n", rt.Provider.KeyID(), rt.Provider.Algorithm())
	return 0
}

// runMeshRun boots the runtime and serves the query API plus the
// replication endpoints until interrupted.
func runMeshRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mesh run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	jwtKey := fs.String("jwt-key", "", "HS256 key for bearer tokens")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(stderr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := node.Boot(ctx, cfg, node.Options{KeyMaterial: []byte(*keyMaterial)})
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Shutdown(context.Background())

	signingKey := *jwtKey
	if signingKey == "" {
		signingKey = cfg.JWTKey
	}
	querySrv, err := api.NewServer(api.ServerConfig{
		Tenant:   cfg.TenantID,
		Lattice:  rt.Lattice,
		Scorer:   rt.Scorer,
		Detector: rt.Detector,
		Topology: rt.Topology,
		Sealer:   seal.NewSealer(rt.Provider).WithClock(rt.Clock()),
		JWTKey:   []byte(signingKey),
		Clock:    rt.Clock(),
		Metrics:  rt.Metrics,
	})
	if err != nil {
		return fail(stderr, err)
	}

	serverOpts := []transport.ServerOption{transport.WithMetrics(rt.Metrics)}
	if cfg.RedisAddr != "" {
		serverOpts = append(serverOpts,
			transport.WithQuota(transport.NewRedisQuota(cfg.RedisAddr, "", 0, 600, 100)))
	}

	mux := http.NewServeMux()
	querySrv.Routes(mux)
	transport.NewServer(rt.Store, rt.Topology, serverOpts...).Routes(mux)
	limiter := api.NewGlobalRateLimiter(cfg.APIRateRPS, cfg.APIRateRPS*2)
	handler := api.RequestID(limiter.Middleware(mux))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(stdout, "node %s listening on :%s\n", cfg.NodeID, cfg.Port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_, _ = fmt.Fprintln(stdout, "shutdown complete")
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fail(stderr, err)
		}
		return 0
	}
}

// runMeshVerify replays every chained log under the storage root and
// verifies chain continuity.
func runMeshVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mesh verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	rt, err := node.Boot(context.Background(), cfg, node.Options{KeyMaterial: []byte(*keyMaterial)})
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.Shutdown(context.Background())

	checks := 0
	report := func(name string, err error) error {
		checks++
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "FAIL %s: %v\n", name, err)
			return err
		}
		_, _ = fmt.Fprintf(stdout, "OK   %s\n", name)
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	chain, err := rt.Mesh.LoadSealChain()
	if err == nil {
		err = chain.Verify()
	}
	keep(report("seal_chain", err))

	tlog, err := rt.Store.Log(cfg.TenantID, cfg.NodeID, logstore.KindTransparency)
	if err == nil {
		keep(report("transparency_log", seal.NewTransparencyLog(tlog).Load()))
	} else {
		keep(report("transparency_log", err))
	}

	keep(report("storage_root", rt.Check(context.Background())))

	if firstErr != nil {
		return exitFor(firstErr)
	}
	_, _ = fmt.Fprintf(stdout, "%d checks passed\n", checks)
	return 0
}

// runMeshScenario runs the scripted end-to-end drift cycle on a throwaway
// storage root and prints the score trajectory.
func runMeshScenario(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mesh scenario", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dir, err := os.MkdirTemp("", "credmesh-scenario-")
	if err != nil {
		return fail(stderr, err)
	}
	defer os.RemoveAll(dir)

	result, err := runMoneyDemo(filepath.Join(dir, "data"))
	if err != nil {
		return fail(stderr, err)
	}
	printMoneyDemo(stdout, result)
	return 0
}

func scenarioProvider() (crypto.Provider, error) {
	return crypto.NewProvider(crypto.BackendHMACDemo, "scenario", "demo", []byte("scenario-material"))
}
