// Command greeter-device simulates a speaker for manual end-to-end runs
// against greeterd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/simulator"
)

var version = "0.1.0-dev"

func main() {
	var (
		deviceID    string
		natsURL     string
		streamURL   string
		prefix      string
		ackDelay    time.Duration
		muteAcks    bool
		skipDone    bool
		doneStatus  string
		showVersion bool
	)

	flag.StringVar(&deviceID, "device", "sim-1", "Device id to register as")
	flag.StringVar(&natsURL, "nats", "nats://localhost:4222", "NATS server URL")
	flag.StringVar(&streamURL, "stream", "ws://localhost:8080/ws", "Audio stream endpoint")
	flag.StringVar(&prefix, "prefix", protocol.DefaultPrefix, "Control subject prefix")
	flag.DurationVar(&ackDelay, "ack-delay", 0, "Delay before acknowledging a command")
	flag.BoolVar(&muteAcks, "mute-acks", false, "Never acknowledge commands")
	flag.BoolVar(&skipDone, "skip-done", false, "Never report playback completion")
	flag.StringVar(&doneStatus, "done-status", "ok", "Status reported with EVT_SPEAK_DONE")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busCfg := config.Default().Bus
	busCfg.Servers = []string{natsURL}
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	dev, err := simulator.Dial(ctx, simulator.Config{
		DeviceID:   deviceID,
		Subjects:   protocol.NewSubjects(prefix),
		StreamURL:  streamURL,
		AckDelay:   ackDelay,
		MuteAcks:   muteAcks,
		SkipDone:   skipDone,
		DoneStatus: doneStatus,
	}, client, logger)
	if err != nil {
		logger.Error("failed to start device", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := dev.Run(ctx); err != nil {
		logger.Error("device stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("device stopped", slog.Int("playbacks", len(dev.Played())), slog.Int("acked", dev.Acked()))
}
