package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codewandler/shardmaster-go/core/master"
	"github.com/codewandler/shardmaster-go/core/rpc"
	"github.com/codewandler/shardmaster-go/core/worker"
)

// === Config ===

var (
	logLevel   = slog.LevelWarn
	numShards  = getEnvInt("W", 8)
	totalCalls = getEnvInt("N", 50_000)
	withStats  = getEnvBool("STATS", true)
	masterAddr = getEnv("MASTER_ADDR", "")
	secret     = getEnv("SECRET", "loadtest-secret")
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

//

func main() {
	slog.SetLogLoggerLevel(logLevel)
	ctx := context.Background()

	// self-hosted master unless pointed at an external one
	if masterAddr == "" {
		m, err := master.New(master.Options{
			ShardCount: numShards,
			ListenAddr: "127.0.0.1:0",
			Secret:     secret,
		})
		if err != nil {
			panic(err)
		}
		if err := m.Start(ctx); err != nil {
			panic(err)
		}
		defer m.Shutdown()
		masterAddr = m.Addr()
	}

	clients := make([]*worker.Client, numShards)
	for i := range clients {
		c, err := worker.Dial(ctx, worker.Options{
			Addr:             masterAddr,
			Secret:           secret,
			Shard:            i,
			ShardCount:       numShards,
			DisableHeartbeat: true,
		})
		if err != nil {
			panic(err)
		}
		c.Handle("getStats", func(ctx context.Context, m *rpc.Message) (any, error) {
			return master.Stats{Servers: 1, Users: 1}, nil
		})
		go func() { _ = c.Run(ctx) }()
		clients[i] = c
	}

	perWorker := totalCalls / numShards
	fmt.Printf("loadtest: %d workers x %d pings\n", numShards, perWorker)

	start := time.Now()
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *worker.Client) {
			defer wg.Done()
			for n := 0; n < perWorker; n++ {
				if err := c.Ping(ctx); err != nil {
					slog.Error("ping failed", slog.Int("shard", i), slog.Any("error", err))
					return
				}
				if withStats && i == 0 && n%1000 == 999 {
					if _, err := c.Call(ctx, "getStats", nil); err != nil {
						slog.Error("getStats failed", slog.Any("error", err))
					}
				}
			}
		}(i, c)
	}
	wg.Wait()
	elapsed := time.Since(start)

	done := perWorker * numShards
	fmt.Printf("loadtest: %d calls in %s (%.0f calls/sec)\n",
		done, elapsed.Round(time.Millisecond), float64(done)/elapsed.Seconds())

	for _, c := range clients {
		_ = c.Close()
	}
}
