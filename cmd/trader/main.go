package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradegate/internal/app"
	"tradegate/internal/bus"
	"tradegate/internal/config"
	"tradegate/internal/env"
	"tradegate/internal/execution"
	"tradegate/internal/gateway"
	"tradegate/internal/obs"
	"tradegate/internal/scheduler"
	"tradegate/internal/schema"
)

type demoConfig struct {
	count    int
	interval time.Duration
	symbol   string
	side     execution.Side
	price    decimal.Decimal
	qty      decimal.Decimal
}

func main() {
	configPath := flag.String("config", "config/trader.yaml", "Path to YAML config")
	orderCount := flag.Int("order-count", 1, "Number of demo orders to submit (0=none)")
	orderInterval := flag.Duration("order-interval", time.Second, "Delay between demo orders")
	symbol := flag.String("symbol", "BTC-USDT", "Demo order symbol")
	side := flag.String("side", "buy", "Demo order side")
	price := flag.String("price", "64250.5", "Demo order price")
	qty := flag.String("qty", "0.01", "Demo order quantity")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	demo := demoConfig{count: *orderCount, interval: *orderInterval, symbol: *symbol}
	if demo.side, err = execution.ParseSide(*side); err != nil {
		log.Fatalf("side: %v", err)
	}
	if demo.price, err = decimal.NewFromString(*price); err != nil {
		log.Fatalf("price: %v", err)
	}
	if demo.qty, err = decimal.NewFromString(*qty); err != nil {
		log.Fatalf("qty: %v", err)
	}

	ctx, cancel := app.Context()
	defer cancel()

	if err := run(ctx, cfg, demo); err != nil {
		log.Fatalf("trader: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, demo demoConfig) error {
	logger := obs.NewLogger("trader")
	reg := app.NewRegistry()
	e := env.New(logger, obs.NewMetrics(reg))

	stopProfiler, err := app.StartProfiler(cfg.Profiling, logger, map[string]string{"role": "trader", "client": cfg.Client.ID})
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

	clientCfg, err := cfg.ClientSettings()
	if err != nil {
		return err
	}
	client, err := gateway.NewClient(e, b, clientCfg)
	if err != nil {
		return err
	}
	subCfg, err := cfg.Subscriber()
	if err != nil {
		return err
	}
	subscriber, err := gateway.NewSubscriber(e, b, subCfg)
	if err != nil {
		return err
	}
	if err := subscriber.Subscribe(execution.TopicOrders); err != nil {
		return err
	}

	svc, err := execution.NewService(e, b, client, execution.ServiceOptions{})
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := b.Subscribe(execution.TopicOrders, func(_ context.Context, m schema.Message) error {
		r, err := execution.DecodeReport(m.Payload)
		if err != nil {
			return err
		}
		if _, ok := svc.Book().Order(r.OrderID); ok {
			logger.Infof("%s %s %s leaves=%s %s", m.Topic, r.OrderID, r.State, r.LeavesQty, r.Reason)
		}
		return nil
	}); err != nil {
		return err
	}

	sched := scheduler.New(e, scheduler.Options{})
	if demo.count > 0 {
		if err := scheduleDemo(sched, b, e, svc.Name(), cfg.Client.ID, demo); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dead.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return app.ServeMetrics(gctx, cfg.Metrics.Addr, reg, logger) })
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return subscriber.Run(gctx) })

	err = g.Wait()
	open := svc.Book().Open()
	logger.Infof("trader stopped, %d orders open, %d held", len(open), svc.Held())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// scheduleDemo sends demo.count orders to the execution service, one per
// interval.
func scheduleDemo(sched *scheduler.Scheduler, b *bus.Bus, e env.Env, destination, clientID string, demo demoConfig) error {
	factory := schema.NewFactory(e.IDs, e.Wall)
	var sent atomic.Int64
	var handle *scheduler.Handle

	send := scheduler.Dispatch(b, destination, func(time.Duration) (schema.Message, error) {
		n := sent.Add(1)
		payload, err := execution.NewOrder{
			OrderID: fmt.Sprintf("%s-%d-%d", clientID, e.Wall.Now().Unix(), n),
			Symbol:  demo.symbol,
			Side:    demo.side,
			Price:   demo.price,
			Qty:     demo.qty,
		}.Encode()
		if err != nil {
			return schema.Message{}, err
		}
		m, err := factory.Command(execution.TypeNewOrder, payload)
		if err != nil {
			return schema.Message{}, err
		}
		m.ClientID = clientID
		return m, nil
	})

	var err error
	handle, err = sched.Every("demo orders", demo.interval, func(ctx context.Context, due time.Duration) error {
		if sent.Load() >= int64(demo.count) {
			handle.Cancel()
			return nil
		}
		return send(ctx, due)
	})
	return err
}
