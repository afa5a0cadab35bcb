// Command forestsim runs adaptive refinement cycles of a distributed forest on
// an in-process group of workers.
package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/notargets/DGForest/config"
	"github.com/notargets/DGForest/monitoring"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("forestsim failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "forestsim",
		Usage: "refine, coarsen and rebalance a distributed hypercube forest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML settings file"},
			&cli.IntFlag{Name: "ranks", Aliases: []string{"n"}, Usage: "number of workers (overrides the config)"},
			&cli.IntFlag{Name: "cycles", Value: 4, Usage: "adaptive cycles to run"},
			&cli.Float64Flag{Name: "refine-fraction", Value: 0.3, Usage: "share of the indicator total to refine"},
			&cli.Float64Flag{Name: "coarsen-fraction", Value: 0.03, Usage: "share of the indicator total to coarsen"},
			&cli.Int64Flag{Name: "seed", Usage: "front seed, 0 picks one from the clock"},
			&cli.StringFlag{Name: "log-level", Usage: "logrus level (overrides the config)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address, e.g. :2112"},
		},
		Action: run,
	}
}

func settingsFrom(c *cli.Context) (config.Settings, error) {
	s := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if s, err = config.Load(path); err != nil {
			return s, err
		}
	}
	if c.IsSet("ranks") {
		s.Ranks = c.Int("ranks")
	}
	if c.IsSet("log-level") {
		s.LogLevel = c.String("log-level")
	}
	return s, s.Validate()
}

func run(c *cli.Context) error {
	s, err := settingsFrom(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger := logrus.New()
	logger.SetLevel(s.Level())

	var reg prometheus.Registerer
	if addr := c.String("metrics-addr"); addr != "" {
		r := prometheus.NewRegistry()
		reg = r
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(r, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics endpoint stopped")
			}
		}()
		defer srv.Close()
	}

	seed := c.Int64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	start := time.Now()
	sum, err := simulate(ctx, s, simOptions{
		Cycles: c.Int("cycles"),
		Top:    c.Float64("refine-fraction"),
		Bottom: c.Float64("coarsen-fraction"),
		Seed:   seed,
	}, logger, monitoring.NewMetrics(reg))
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"leaves":      sum.Leaves,
		"counts":      sum.Counts,
		"fingerprint": sum.Fingerprint,
		"max_error":   sum.MaxError,
		"elapsed":     time.Since(start).String(),
	}).Info("simulation finished")
	return nil
}
