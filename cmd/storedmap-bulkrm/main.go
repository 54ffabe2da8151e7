// Command storedmap-bulkrm removes every record in a category whose
// key falls within a lexical [from, to] range, reporting progress the
// way the rest of the ecosystem's one-off maintenance tools do.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	storedmap "github.com/edirooss/storedmap"
	"github.com/edirooss/storedmap/drivers/memdriver"
	"github.com/edirooss/storedmap/drivers/redisdriver"
)

func main() {
	category := flag.String("category", "", "category name to remove records from")
	from := flag.String("from", "", "inclusive lower bound key (lexical)")
	to := flag.String("to", "", "inclusive upper bound key (lexical)")
	flag.Parse()

	if *category == "" || (*from == "" && *to == "") {
		fmt.Println("Usage: storedmap-bulkrm -category=<name> [-from=<key>] [-to=<key>]")
		os.Exit(1)
	}

	log := buildLogger().Named("main")

	ctx := context.Background()
	driver, err := buildDriver(ctx, log)
	if err != nil {
		log.Fatal("driver setup failed", zap.Error(err))
	}

	store, err := storedmap.GetStore(storedmap.Config{"app": "storedmap-bulkrm"}, driver, storedmap.Options{
		Log:             log,
		ApplicationCode: "storedmap-bulkrm",
	})
	if err != nil {
		log.Fatal("store setup failed", zap.Error(err))
	}
	defer store.Close(ctx)

	cat, err := store.Category(ctx, *category)
	if err != nil {
		log.Fatal("category setup failed", zap.Error(err))
	}

	keys, err := cat.Keys(ctx, storedmap.ListFilter{})
	if err != nil {
		log.Fatal("list failed", zap.Error(err))
	}

	var targets []string
	for _, k := range keys {
		if *from != "" && k < *from {
			continue
		}
		if *to != "" && k > *to {
			continue
		}
		targets = append(targets, k)
	}

	total := len(targets)
	for idx, key := range targets {
		iterStart := time.Now()

		rec, err := cat.Get(ctx, key)
		if err != nil {
			log.Fatal("record load failed", zap.String("key", key), zap.Error(err))
		}
		if err := rec.Remove(ctx); err != nil {
			log.Fatal("record removal failed", zap.String("key", key), zap.Error(err))
		}

		log.Info("record removed",
			zap.String("key", key),
			zap.Int("deleted", idx+1),
			zap.Int("total", total),
			zap.Duration("took", time.Since(iterStart)),
		)
	}
}

func buildDriver(ctx context.Context, log *zap.Logger) (storedmap.Driver, error) {
	if addr := os.Getenv("STOREDMAP_REDIS_ADDR"); addr != "" {
		return redisdriver.New(ctx, redisdriver.Options{Addr: addr, Log: log})
	}
	return memdriver.New(storedmap.Limits{}), nil
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
