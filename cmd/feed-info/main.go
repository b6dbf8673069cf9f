// feed-info prints the lifecycle stream and consumer state, handy when
// debugging a stalled monitor.
package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/config"
	"github.com/KingEverett/Hermes-sub000/internal/feed"
	"github.com/KingEverett/Hermes-sub000/internal/logging"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	fd, err := feed.New(context.Background(), feed.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer fd.Close()

	js := fd.JetStream()

	info, err := js.StreamInfo(cfg.NATSStreamName)
	if err != nil {
		logger.Fatal("StreamInfo failed", zap.Error(err))
	}

	fmt.Println("STREAM:", info.Config.Name)
	fmt.Println("SUBJECTS:")
	for _, s := range info.Config.Subjects {
		fmt.Println(" -", s)
	}
	fmt.Println("STATE:", "msgs=", info.State.Msgs, "bytes=", info.State.Bytes)

	ci, err := js.ConsumerInfo(cfg.NATSStreamName, cfg.NATSConsumerName)
	if err != nil {
		fmt.Println("CONSUMER:", cfg.NATSConsumerName, "(not created yet)")
		return
	}
	fmt.Println("CONSUMER:", ci.Name,
		"pending=", ci.NumPending,
		"ack_pending=", ci.NumAckPending,
		"redelivered=", ci.NumRedelivered)
}
