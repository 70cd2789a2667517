// Command apfd bridges TCP clients to the Intel ME's LME port-forwarding
// service over the MEI character device. Flag/env wiring style grounded
// on the teacher's cmd/noxv2-server/main.go (flag.*, os.Exit(1) on setup
// failure); leveled logging grounded on the example pack's go-biolatency
// exporter (go-kit/kit/log + log/level); SIGINT/SIGTERM handling grounded
// on the example pack's cmd/server/main.go (signal.NotifyContext).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"apfd/internal/apfd"
	"apfd/internal/mei"
	"apfd/internal/metrics"
	"apfd/internal/session"
)

func main() {
	meiDevice := flag.String("mei_device", mei.DefaultDevicePath, "Path to the MEI chardev")
	listenAddr := flag.String("listen_addr", "127.0.0.1", "Address to listen on")
	allowedPorts := flag.String("allowed_ports", "16992,16993", "CSV of ports to forward")
	metricsAddr := flag.String("metrics_addr", "", "host:port to serve Prometheus /metrics on (empty disables)")
	acceptRate := flag.Int("accept_rate", 50, "accepted connections kept per second per listen socket (excess are closed)")
	acceptBurst := flag.Int("accept_burst", 100, "burst of accepted connections kept per listen socket")
	logLevel := flag.String("log_level", "info", "one of debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)

	ports, err := parsePorts(*allowedPorts)
	if err != nil {
		level.Error(logger).Log("msg", "invalid --allowed_ports", "err", err)
		os.Exit(1)
	}

	m := metrics.New(*metricsAddr != "")
	if *metricsAddr != "" {
		if err := metrics.Serve(*metricsAddr); err != nil {
			level.Error(logger).Log("msg", "failed to start metrics server", "err", err)
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "serving metrics", "addr", *metricsAddr)
	}

	dev, err := mei.Open(*meiDevice)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open MEI device", "device", *meiDevice, "err", err)
		os.Exit(1)
	}
	defer dev.Close()
	level.Info(logger).Log("msg", "connected to LME", "max_msg_length", dev.MaxMsgLength(), "protocol_version", dev.ProtocolVersion())

	sess := session.New(dev, logger)

	d := apfd.New(apfd.Config{
		ListenAddr:   *listenAddr,
		AllowedPorts: ports,
		AcceptRate:   *acceptRate,
		AcceptBurst:  *acceptBurst,
	}, sess, dev, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, session.ErrMeDisconnected) {
			level.Info(logger).Log("msg", "ME disconnected, shutting down")
			return
		}
		level.Error(logger).Log("msg", "daemon exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(levelName string) log.Logger {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.DefaultTimestampUTC)

	var allowed level.Option
	switch strings.ToLower(levelName) {
	case "debug":
		allowed = level.AllowDebug()
	case "warn":
		allowed = level.AllowWarn()
	case "error":
		allowed = level.AllowError()
	default:
		allowed = level.AllowInfo()
	}
	return level.NewFilter(base, allowed)
}

func parsePorts(csv string) (map[uint32]bool, error) {
	ports := make(map[uint32]bool)
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", field, err)
		}
		ports[uint32(n)] = true
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports given")
	}
	return ports, nil
}
