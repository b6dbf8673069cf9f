// dlq-inspect dumps the quarantine store from the command line: a page
// of rows or the aggregated failure analysis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/cache"
	"github.com/KingEverett/Hermes-sub000/internal/config"
	"github.com/KingEverett/Hermes-sub000/internal/deadletter"
	"github.com/KingEverett/Hermes-sub000/internal/logging"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

func main() {
	var (
		analyze  = flag.Bool("analyze", false, "Print failure analysis instead of listing rows")
		daysBack = flag.Int("days", 7, "Analysis window in days")
		page     = flag.Int("page", 1, "Page number")
		pageSize = flag.Int("page-size", 20, "Rows per page")
		category = flag.String("category", "", "Filter by failure category")
	)
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	rc, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rc.Close()

	// No broker: this tool only reads.
	svc := deadletter.NewService(st, nil, rc, logger)

	if *analyze {
		analysis, err := svc.Analyze(ctx, *daysBack)
		if err != nil {
			logger.Fatal("analysis failed", zap.Error(err))
		}
		dump(analysis)
		return
	}

	var f store.QuarantineFilter
	if *category != "" {
		c := store.FailureCategory(*category)
		f.Category = &c
	}

	p, err := svc.List(ctx, *page, *pageSize, f)
	if err != nil {
		logger.Fatal("list failed", zap.Error(err))
	}
	dump(p)
}

func dump(v any) {
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
}
