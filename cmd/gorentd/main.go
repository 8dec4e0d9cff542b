// Command gorentd is the gorent daemon: it loads a config file and a
// session file, starts one engine per non-removed session record, and
// serves the read-only control surface over HTTP until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/arjunsahu/gorent/config"
	"github.com/arjunsahu/gorent/control"
	"github.com/arjunsahu/gorent/engine"
	"github.com/arjunsahu/gorent/metainfo"
	"github.com/arjunsahu/gorent/session"
)

func main() {
	configPath := flag.String("config", "./gorent.yaml", "path to the daemon config file")
	addPath := flag.String("add", "", "path to a .torrent file to add to the session before starting")
	listenAddr := flag.String("control-addr", "127.0.0.1:7880", "address the control HTTP surface listens on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("could not build logger: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	registry := session.NewRegistry(cfg.SessionFile)
	if err := registry.Load(); err != nil {
		sugar.Fatalw("could not load session file", "error", err)
	}

	if *addPath != "" {
		registry.Add(*addPath, cfg.DownloadDir, false, false, time.Now())
		sugar.Infow("added torrent to session", "path", *addPath)
	}
	if err := registry.Save(); err != nil {
		sugar.Errorw("could not persist session after add", "error", err)
	}

	ctrlRegistry := control.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, rec := range registry.List() {
		eng, err := startEngine(ctx, rec, cfg, sugar)
		if err != nil {
			sugar.Errorw("failed to start torrent", "torrent", rec.TorrentPath, "error", err)
			continue
		}
		ctrlRegistry.Add(rec.ID, eng)
		if rec.Paused {
			eng.Pause()
		}
		wg.Add(1)
		go func(e *engine.Engine) {
			defer wg.Done()
			e.Run(ctx)
		}(eng)
	}

	httpSrv := &http.Server{Addr: *listenAddr, Handler: control.NewServer(ctrlRegistry)}
	go func() {
		sugar.Infow("control surface listening", "addr", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("control server stopped", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sugar.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	httpSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	cancel()
	wg.Wait()

	if err := registry.Save(); err != nil {
		sugar.Errorw("could not persist session on shutdown", "error", err)
	}
}

// startEngine opens rec's .torrent file, builds its engine, and kicks off
// tracker bootstrap. The engine's own Run loop is started by the caller.
func startEngine(ctx context.Context, rec *session.Record, cfg *config.Config, log *zap.SugaredLogger) (*engine.Engine, error) {
	f, err := os.Open(rec.TorrentPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", rec.TorrentPath, err)
	}
	defer f.Close()

	m, err := metainfo.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rec.TorrentPath, err)
	}

	downloadDir := rec.DownloadDir
	if downloadDir == "" {
		downloadDir = cfg.DownloadDir
	}

	eng := engine.New(m, engine.Config{
		DownloadDir:        downloadDir,
		ListenPort:         uint16(cfg.ListenPort),
		HandshakeTimeout:   cfg.HandshakeTimeout(),
		HTTPTrackerTimeout: cfg.HTTPTrackerTimeout(),
		UDPTrackerTimeout:  cfg.UDPTrackerTimeout(),
		MaxFailures:        cfg.MaxFailures,
		MaxInflight:        cfg.MaxInflight,
		CheckInterval:      cfg.CheckInterval(),
		Clock:              clock.New(),
		Logger:             log,
	})

	if err := eng.Start(rec.IsFinished); err != nil {
		return nil, fmt.Errorf("starting engine for %s: %w", rec.TorrentPath, err)
	}

	eng.Bootstrap(ctx)
	return eng, nil
}
