package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/vmorsell/portaria/internal/config"
	"github.com/vmorsell/portaria/internal/devicesim"
	"github.com/vmorsell/portaria/internal/transport"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap"
)

func main() {
	brokerURL := flag.String("broker", config.DefaultBrokerURL, "broker URL")
	delay := flag.Duration("delay", devicesim.DefaultStepDelay, "pause before each simulated card read")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	topics := model.DefaultTopics()

	var dev *devicesim.Device
	conn, err := transport.Dial(logger, transport.Options{
		BrokerURL:      *brokerURL,
		ClientIDPrefix: "devicesim-",
		QueueSize:      config.DefaultPublishQueue,
	}, func(topic string, payload []byte) {
		// card reads pause, so each command runs on its own goroutine
		go dev.Handle(topic, payload)
	})
	if err != nil {
		logger.Fatal("failed to dial broker", zap.Error(err))
	}
	dev = devicesim.New(logger, conn, topics, devicesim.WithDelay(*delay))

	release, err := conn.Subscribe(topics.Commands)
	if err != nil {
		logger.Fatal("failed to subscribe", zap.Error(err))
	}
	logger.Info("device simulator started", zap.String("broker", *brokerURL), zap.Duration("delay", *delay))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	release()
	if err := conn.Close(); err != nil {
		logger.Warn("close broker connection", zap.Error(err))
	}
	logger.Info("device simulator exited")
}
