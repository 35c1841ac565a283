package netdev

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/HeyMrJee/seastar/config"
)

// deviceMetrics are the counters and gauges kept for a running [Device],
// registered the way a nebula-style daemon registers its own.
type deviceMetrics struct {
	txPackets    metrics.Counter
	rxPackets    metrics.Counter
	txBytes      metrics.Counter
	rxBytes      metrics.Counter
	txStalls     metrics.Counter
	rxFreeBufs   metrics.Gauge
	txFreeBufs   metrics.Gauge
	txFifoDepth  metrics.Gauge
	malformedRx  metrics.Counter
}

func newDeviceMetrics() *deviceMetrics {
	return &deviceMetrics{
		txPackets:   metrics.GetOrRegisterCounter("virtio_net.tx.packets", metrics.DefaultRegistry),
		rxPackets:   metrics.GetOrRegisterCounter("virtio_net.rx.packets", metrics.DefaultRegistry),
		txBytes:     metrics.GetOrRegisterCounter("virtio_net.tx.bytes", metrics.DefaultRegistry),
		rxBytes:     metrics.GetOrRegisterCounter("virtio_net.rx.bytes", metrics.DefaultRegistry),
		txStalls:    metrics.GetOrRegisterCounter("virtio_net.tx.stalls", metrics.DefaultRegistry),
		rxFreeBufs:  metrics.GetOrRegisterGauge("virtio_net.rx.free_buffers", metrics.DefaultRegistry),
		txFreeBufs:  metrics.GetOrRegisterGauge("virtio_net.tx.free_buffers", metrics.DefaultRegistry),
		txFifoDepth: metrics.GetOrRegisterGauge("virtio_net.tx.fifo_depth", metrics.DefaultRegistry),
		malformedRx: metrics.GetOrRegisterCounter("virtio_net.rx.malformed", metrics.DefaultRegistry),
	}
}

// StartStats wires up the optional graphite/prometheus exporters named by
// the stats.type setting, in the same shape as a nebula-style daemon's
// startStats.
func StartStats(l *logrus.Logger, c *config.C, buildVersion string) error {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	switch mType {
	case "graphite":
		if err := startGraphiteStats(l, interval, c); err != nil {
			return err
		}
	case "prometheus":
		if err := startPrometheusStats(l, interval, c, buildVersion); err != nil {
			return err
		}
	default:
		return fmt.Errorf("stats.type was not understood: %s", mType)
	}

	metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

	go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, interval)
	go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)

	return nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "virtio-netd")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %w", err)
	}

	l.Infof("starting graphite stats export, interval %s, prefix %s, addr %s", i, prefix, addr)
	go graphite.Graphite(metrics.DefaultRegistry, i, prefix, addr)
	return nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, buildVersion string) error {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, pr, i)
	go pClient.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the virtio-netd binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	go func() {
		l.Infof("prometheus stats listening on %s at %s", listen, path)
		http.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		l.WithError(http.ListenAndServe(listen, nil)).Error("prometheus stats listener exited")
	}()

	return nil
}
