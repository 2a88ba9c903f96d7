package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"worldledger.ai/internal/inbox"
	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/recovery"
	"worldledger.ai/internal/sim/generator"
	"worldledger.ai/internal/sim/sequencer"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
	"worldledger.ai/internal/transport/api"
	"worldledger.ai/internal/transport/limit"
	"worldledger.ai/internal/transport/ws"
)

// resultHistory bounds the committed outcomes carried across a restart.
const resultHistory = 4096

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldsPath = flag.String("worlds", "./configs/worlds.yaml", "world config path (defaults are used when the file does not exist)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")

		retain        = flag.Int("retain", 100, "entries kept in the actions and chat logs")
		snapshotEvery = flag.Uint64("snapshot_every", 500, "write a snapshot every N commits (0 disables)")
		keepSnapshots = flag.Int("keep_snapshots", 5, "snapshots kept on disk")
		valTimeout    = flag.Duration("validation_timeout", 2*time.Second, "max time between submission and commit")

		ratePerSec = flag.Float64("rate", 5, "submissions per second per proposer (0 disables)")
		rateBurst  = flag.Int("burst", 10, "per-proposer burst")

		genEnabled  = flag.Bool("npc", true, "run the built-in NPC generator")
		genInterval = flag.Duration("npc_interval", 5*time.Second, "NPC generator tick interval")
		inboxDir    = flag.String("inbox", "", "changeset inbox directory (default: <data>/inbox, \"-\" disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadWorlds(*worldsPath, logger)
	if err != nil {
		logger.Fatalf("load worlds config: %v", err)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	rec, err := recovery.Restore(recovery.Options{DataDir: *dataDir, Worlds: cfg, Retain: *retain, History: resultHistory})
	if err != nil {
		logger.Fatalf("restore: %v", err)
	}
	st := store.New(rec.State)
	if rec.SnapshotPath != "" {
		logger.Printf("resumed from snapshot=%s seq=%d", filepath.Base(rec.SnapshotPath), rec.SnapshotSeq)
	}
	logger.Printf("replayed %d commits, seq=%d, %d committed ids remembered", rec.Replayed, rec.State.Seq, len(rec.Committed))
	if rec.TornTail {
		logger.Printf("commit log ends in a torn record; it was never acknowledged and is ignored")
	}
	if rec.Corrupt() {
		for _, c := range rec.Corruptions {
			logger.Printf("CORRUPTION %s", c)
		}
		st.MarkReadOnly(rec.Corruptions[0].String())
		logger.Printf("store is read-only until the data directory is repaired")
	}

	idx, err := openRuntimeIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := sequencer.NewMetrics(reg)

	commitLog := persistlog.NewCommitLogger(*dataDir)
	rejectionLog := persistlog.NewRejectionLogger(*dataDir)
	defer commitLog.Close()
	defer rejectionLog.Close()

	registry := worlds.NewRegistry(*worldsPath, cfg)
	snapCh := make(chan *store.State, 2)
	opts := []sequencer.Option{
		sequencer.WithCommitLog(commitLog),
		sequencer.WithRejectionLog(rejectionLog),
		sequencer.WithMetrics(metrics),
		sequencer.WithLogger(log.New(os.Stdout, "[sequencer] ", log.LstdFlags|log.Lmicroseconds)),
		sequencer.WithSnapshotSink(snapCh),
		sequencer.WithCommitted(rec.Committed),
	}
	if idx != nil {
		opts = append(opts, sequencer.WithObserver(idx))
	}
	seq := sequencer.New(st, registry, sequencer.Config{
		ValidationTimeout: *valTimeout,
		ResultHistory:     resultHistory,
		SnapshotEvery:     *snapshotEvery,
		Retain:            *retain,
	}, opts...)
	lim := limit.New(*ratePerSec, *rateBurst)

	ctx, cancel := signalContext()
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return seq.Run(gctx) })

	sw := &snapshotWriter{dir: recovery.SnapshotDir(*dataDir), keep: *keepSnapshots, idx: idx, log: logger, lastSeq: rec.SnapshotSeq}
	g.Go(func() error {
		sw.run(gctx, snapCh)
		return nil
	})

	if *genEnabled {
		gen := generator.New(st, seq, registry, generator.Config{
			Interval:     *genInterval,
			WanderChance: 0.3,
			EmoteChance:  0.1,
		}, log.New(os.Stdout, "[generator] ", log.LstdFlags|log.Lmicroseconds))
		g.Go(func() error { return gen.Run(gctx) })
	}

	if dir := strings.TrimSpace(*inboxDir); dir != "-" {
		if dir == "" {
			dir = filepath.Join(*dataDir, "inbox")
		}
		in := inbox.New(dir, seq, log.New(os.Stdout, "[inbox] ", log.LstdFlags|log.Lmicroseconds))
		g.Go(func() error { return in.Run(gctx) })
	}

	apiSrv := api.NewServer(api.Options{
		Store:       st,
		Sequencer:   seq,
		Worlds:      registry,
		Limiter:     lim,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		WebSocket:   ws.NewServer(seq, lim, logger).Handler(),
		EnableAdmin: envBool("WL_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		Logger:      logger,
	})
	mux := http.NewServeMux()
	mux.Handle("/", apiSrv.Handler())
	if envBool("WL_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (WL_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("stopped with error: %v", err)
	}

	// Final snapshot so the next start replays as little as possible.
	if _, ro := st.ReadOnly(); !ro {
		sw.write(st.Current())
	}
	if idx != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.Flush(fctx); err != nil {
			logger.Printf("index flush: %v", err)
		}
		fcancel()
		_ = idx.Close()
	}
	logger.Printf("bye")
}

func loadWorlds(path string, logger *log.Logger) (worlds.Config, error) {
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			return worlds.Load(path)
		}
		logger.Printf("worlds config %s not found; using defaults", path)
	}
	return worlds.Load("")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
