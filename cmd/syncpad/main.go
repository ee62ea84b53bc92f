// Command syncpad runs the document server or an interactive console.
//
//	syncpad serve -addr :8080 -dir ./syncpad-data
//	syncpad repl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncpad/syncpad"
	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/protocol"
	"github.com/syncpad/syncpad/repl"
	"github.com/syncpad/syncpad/utils"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "repl":
		err = console(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: syncpad serve [-addr :8080] [-dir ./syncpad-data] | syncpad repl")
}

func logger(debug bool) utils.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return utils.NewDefaultLogger(level)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	dir := fs.String("dir", "./syncpad-data", "data directory")
	window := fs.Int64("window", 0, "revision window retained for rebases")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	log := logger(*debug)

	host, err := syncpad.Open(*dir, delta.Document(), syncpad.Options{
		Window: *window,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer host.Close()
	prometheus.MustRegister(syncpad.NewHostCollector(host))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", protocol.NewServer(host.Resolver(), log).Handler())
	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errs := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", *addr, "dir", *dir)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func console(args []string) error {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return repl.New(logger(*debug)).Run()
}
