package main

import (
	"context"
	"flag"
	"log"

	"golang.org/x/sync/errgroup"

	"tradegate/internal/app"
	"tradegate/internal/bus"
	"tradegate/internal/config"
	"tradegate/internal/env"
	"tradegate/internal/execution"
	"tradegate/internal/gateway"
	"tradegate/internal/obs"
	"tradegate/internal/ratelimit"
	"tradegate/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config/gateway.yaml", "Path to YAML config")
	venueName := flag.String("venue", "venue", "Bus component the order routes point at")
	autoFill := flag.Bool("auto-fill", true, "Paper venue fills every accepted order")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := app.Context()
	defer cancel()

	if err := run(ctx, cfg, *venueName, *autoFill); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, venueName string, autoFill bool) error {
	logger := obs.NewLogger("gateway")
	reg := app.NewRegistry()
	e := env.New(logger, obs.NewMetrics(reg))

	stopProfiler, err := app.StartProfiler(cfg.Profiling, logger, map[string]string{"role": "gateway"})
	if err != nil {
		return err
	}
	defer stopProfiler()

	dead, err := app.OpenJournal(ctx, cfg.Journal, logger)
	if err != nil {
		return err
	}
	defer dead.Close()

	busOpt, err := cfg.Bus()
	if err != nil {
		return err
	}
	busOpt.DeadLetters = dead
	b := bus.New(e, busOpt)
	defer b.Close()

	sched := scheduler.New(e, scheduler.Options{})

	srvCfg, err := cfg.Server()
	if err != nil {
		return err
	}
	srvCfg.DeadLetters = dead
	srv, err := gateway.NewServer(e, b, sched, srvCfg)
	if err != nil {
		return err
	}
	routes := []struct {
		typ, category string
	}{
		{execution.TypeNewOrder, ratelimit.CategoryNewOrders},
		{execution.TypeCancelOrder, ratelimit.CategoryCommands},
		{execution.TypeOrderStatus, ratelimit.CategoryRequests},
	}
	for _, r := range routes {
		if err := srv.Route(r.typ, venueName, r.category); err != nil {
			return err
		}
	}

	limits, err := cfg.RiskLimits()
	if err != nil {
		return err
	}
	if _, err := execution.NewVenue(e, b, execution.VenueOptions{Name: venueName, AutoFill: autoFill, Risk: limits}); err != nil {
		return err
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	logger.Infof("request endpoint %s, publish endpoint %s", srv.RequestAddr(), srv.PublishAddr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dead.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return app.ServeMetrics(gctx, cfg.Metrics.Addr, reg, logger) })
	g.Go(func() error {
		defer srv.Close()
		return srv.Serve(gctx)
	})

	err = g.Wait()
	logger.Infof("gateway stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
