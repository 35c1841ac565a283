package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/HeyMrJee/seastar/config"
	"github.com/HeyMrJee/seastar/netdev"
)

// buildVersion is set at link time via -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the device config file")
	configTest := flag.Bool("test", false, "Test the config and exit")
	printVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println(buildVersion)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-config is required")
		os.Exit(1)
	}

	c := config.NewC()
	if err := c.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	l := logrus.New()
	if err := netdev.ConfigureLogger(l, c); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %s\n", err)
		os.Exit(1)
	}

	if *configTest {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	if err := netdev.StartStats(l, c, buildVersion); err != nil {
		l.WithError(err).Fatal("failed to start stats")
	}

	dev, err := netdev.New(c, l)
	if err != nil {
		l.WithError(err).Fatal("failed to create virtio-net device")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		l.Info("received shutdown signal")
		cancel()
	}()

	drainReceived(ctx, dev, l)

	if err = dev.Close(); err != nil {
		l.WithError(err).Error("failed to close device cleanly")
	}
}

// drainReceived logs every packet arriving on the tap interface until ctx is
// done. It stands in for whatever consumer a real deployment wires in at
// this layer; the driver itself is transport-agnostic past [netdev.Device].
func drainReceived(ctx context.Context, dev *netdev.Device, l *logrus.Logger) {
	for {
		pkt, err := dev.Receive(ctx)
		if err != nil {
			return
		}
		l.WithField("bytes", pkt.Len()).Debug("received packet")
		pkt.Release()
	}
}
