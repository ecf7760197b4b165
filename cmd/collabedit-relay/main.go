package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"collabedit/relay"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	var rdb *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("connecting to redis", "addr", redisAddr, "error", err)
			os.Exit(1)
		}
		logger.Info("redis bridging enabled", "addr", redisAddr)
	}

	r := relay.New(relay.Options{Redis: rdb, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if os.Getenv("RELAY_MDNS") != "off" {
		if port, err := listenPort(addr); err == nil {
			if err := relay.Advertise(ctx, port, logger); err != nil {
				logger.Warn("mdns registration failed", "error", err)
			}
			if entries, err := relay.Discover(ctx); err == nil {
				go func() {
					for e := range entries {
						logger.Info("discovered relay", "instance", e.Instance, "port", e.Port)
					}
				}()
			}
		}
	}

	logger.Info("relay listening", "addr", addr)
	if err := http.ListenAndServe(addr, r.Router()); err != nil {
		logger.Error("relay server failed", "error", err)
		os.Exit(1)
	}
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
