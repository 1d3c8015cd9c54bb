package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/api"
	"github.com/fathima-sithara/ops-relay/internal/auth"
	"github.com/fathima-sithara/ops-relay/internal/config"
	"github.com/fathima-sithara/ops-relay/internal/hub"
	"github.com/fathima-sithara/ops-relay/internal/kafka"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/notify"
	"github.com/fathima-sithara/ops-relay/internal/readstate"
	"github.com/fathima-sithara/ops-relay/internal/redis"
	"github.com/fathima-sithara/ops-relay/internal/router"
	"github.com/fathima-sithara/ops-relay/internal/store"
	"github.com/fathima-sithara/ops-relay/internal/utils"
	"github.com/fathima-sithara/ops-relay/internal/ws"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		utils.MustSugar("development").Fatalw("config load", "err", err)
	}
	log := utils.MustSugar(cfg.App.Env)
	defer func() { _ = log.Sync() }()

	jv, err := auth.NewValidator(cfg.JWT.Algorithm, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		log.Fatalw("jwt validator init", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatalw("store init", "backend", cfg.App.Store, "err", err)
	}

	m := metric.New()
	h := hub.NewHub(log, m)

	var (
		presence    ws.Presence
		presenceAPI api.PresenceReader
		rdb         *goredis.Client
		bg          sync.WaitGroup
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB)
		if err != nil {
			log.Fatalw("redis init", "addr", cfg.Redis.Addr, "err", err)
		}
		ps := redis.NewStore(rdb, cfg.Redis.Prefix)
		presence, presenceAPI = ps, ps
		if cfg.Redis.BackboneEnabled {
			bb := redis.NewBackbone(rdb, cfg.Redis.BackboneChannel, log)
			h.PublishToOtherInstances = bb.Publish
			bg.Add(1)
			go func() {
				defer bg.Done()
				if err := bb.Run(ctx, h.DeliverLocal); err != nil {
					log.Errorw("backbone stopped", "err", err)
				}
			}()
			log.Infow("backbone enabled", "channel", cfg.Redis.BackboneChannel, "origin", bb.Origin())
		}
	}

	var (
		sink     router.EventSink
		audit    *kafka.AuditProducer
		consumer *kafka.EventConsumer
	)
	if cfg.Kafka.Enabled {
		audit = kafka.NewAuditProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAudit, log)
		sink = audit
	}

	reads := readstate.New(st)
	rt := router.New(st, reads, h, sink, log, m, router.Options{
		Greeting: cfg.Chat.Greeting,
		Stripes:  cfg.Chat.Stripes,
	})
	bc := notify.NewBroadcaster(st, h, sink, log, m)

	if cfg.Kafka.Enabled {
		consumer = kafka.NewEventConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.GroupID, bc, cfg.RetryMaxElapsed, log)
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Errorw("event consumer stopped", "err", err)
			}
		}()
	}

	wsSrv := ws.NewServer(h, rt, st, presence, log, m, ws.Options{
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		WriteDeadline:  cfg.WriteDeadline,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		SendBuffer:     cfg.WS.SendBuffer,
		RatePerSecond:  cfg.WS.RatePerSecond,
		RateBurst:      cfg.WS.RateBurst,
		PresenceTTL:    cfg.PresenceTTL,
	})
	app := api.NewServer(api.Deps{
		Store:       st,
		Router:      rt,
		Reads:       reads,
		Broadcaster: bc,
		WS:          wsSrv,
		Validator:   jv,
		Presence:    presenceAPI,
		Metrics:     m,
		Log:         log,
	})

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		log.Infow("starting ops relay", "addr", addr, "store", cfg.App.Store, "redis", cfg.Redis.Enabled, "kafka", cfg.Kafka.Enabled)
		errs <- app.Listen(addr)
	}()

	select {
	case e := <-errs:
		log.Errorw("server error", "err", e)
	case <-ctx.Done():
		log.Infow("signal received, shutting down")
	}
	stop()

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warnw("fiber shutdown", "err", err)
	}
	bg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Warnw("kafka consumer close", "err", err)
		}
	}
	if audit != nil {
		if err := audit.Close(); err != nil {
			log.Warnw("kafka producer close", "err", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := st.Close(shutdownCtx); err != nil {
		log.Warnw("store close", "err", err)
	}
	log.Infow("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (store.Store, error) {
	clock := store.NewClock(nil)
	if cfg.App.Store != "mongo" {
		return store.NewMemoryStore(clock), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := store.NewMongoClient(connectCtx, cfg.Mongo.URI)
	if err != nil {
		return nil, err
	}
	ms := store.NewMongoStore(client, client.Database(cfg.Mongo.Database), clock)
	if err := ms.EnsureIndexes(connectCtx); err != nil {
		return nil, err
	}
	log.Infow("mongo connected", "database", cfg.Mongo.Database)
	return ms, nil
}
