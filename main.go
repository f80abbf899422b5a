package main

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cabril87/100-days-of-fullstack-sub005/api"
	"github.com/cabril87/100-days-of-fullstack-sub005/board"
	"github.com/cabril87/100-days-of-fullstack-sub005/layout"
	"github.com/cabril87/100-days-of-fullstack-sub005/realtime"
	"github.com/cabril87/100-days-of-fullstack-sub005/storage"
)

func main() {
	debug := false
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		debug = true
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	boardsTableName := os.Getenv("BOARDS_TABLE")
	eventQueueName := os.Getenv("EVENT_QUEUE")
	if connStr == "" || tasksTableName == "" || boardsTableName == "" || eventQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTableName, boardsTableName, eventQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	cacheTTL := time.Minute
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			log.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	mountTTL := time.Duration(0)
	if v := os.Getenv("MOUNT_IDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid MOUNT_IDLE_TTL: %v", err)
		}
		mountTTL = d
	}

	tpl := layout.Default()
	if path := os.Getenv("LAYOUT_TEMPLATE"); path != "" {
		tpl, err = layout.Load(path)
		if err != nil {
			log.Fatalf("layout template: %v", err)
		}
	}

	// Spans are never exported; the provider exists so request logs carry
	// real trace IDs.
	otel.SetTracerProvider(sdktrace.NewTracerProvider())

	cache := storage.NewCache(store, rc, cacheTTL)
	deduper := realtime.NewRedisDeduper(rc, dedupeTTL)
	broker := realtime.NewBroker()
	publisher := realtime.NewPublisher(rc, cache, realtime.PublisherConfig{}, logger)

	manager, err := board.NewManager(board.ManagerConfig{
		Tasks:          cache,
		Boards:         cache,
		Updater:        cache,
		Columns:        cache,
		Sink:           publisher,
		DefaultColumns: tpl.NewColumns(),
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("board manager: %v", err)
	}
	manager.SetFeed(realtime.NewSubscriber(rc, manager, deduper, broker, "", 0, logger))

	mounts := api.NewMounts(manager, broker, mountTTL, 0, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	if debug {
		pprof.Register(e)
	}

	redisPing := api.PingFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	api.Register(e, mounts, manager, deduper, broker, store, redisPing, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
