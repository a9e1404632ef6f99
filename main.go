package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-relay/config"
	"collab-relay/metrics"
	"collab-relay/relay"
	"collab-relay/stores"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func waitForShutdown(srv *http.Server, rl *relay.Relay) {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("http server shutdown")
	}
	if err := rl.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("relay shutdown")
		os.Exit(1)
	}
	os.Exit(0)
}

func main() {
	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Set the server listen address (defaults to :$PORT)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		logrus.WithField("event", "load config").Fatal(err)
	}
	addr := *listenAddr
	if addr == "" {
		addr = cfg.ListenAddr()
	}

	activity, err := stores.GetStore(cfg)
	if err != nil {
		logrus.WithField("event", "open store").Fatal(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rl := relay.New(cfg, activity, metrics.New(reg))
	rl.Start()

	srv := &http.Server{
		Addr:    addr,
		Handler: rl.Router(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}

	logrus.WithFields(logrus.Fields{
		"addr":           addr,
		"backend":        cfg.BackendURL,
		"flush_debounce": cfg.FlushDebounce.String(),
	}).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, rl)
}
