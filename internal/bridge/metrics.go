package bridge

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/bedjetd/internal/bedjet"
	"github.com/chaz8081/bedjetd/internal/bedjet/protocol"
)

// StateSource provides the snapshot the collector scrapes.
type StateSource interface {
	State() bedjet.Snapshot
}

// MetricsCollector exposes BedJet state as Prometheus gauges. Each scrape
// reads a fresh snapshot; gauges with no reading yet are omitted.
type MetricsCollector struct {
	source StateSource

	// mu serializes scrapes: Collect may be called concurrently, and the
	// cached gauges (mode.Reset in particular) must not interleave.
	mu sync.Mutex

	connected         prometheus.Gauge
	currentTempF      prometheus.Gauge
	targetTempF       prometheus.Gauge
	fanPercent        prometheus.Gauge
	timeRemaining     prometheus.Gauge
	reconnectAttempts prometheus.Gauge
	mode              *prometheus.GaugeVec

	seenCurrent bool
	seenTarget  bool
	seenFan     bool
	seenTime    bool
}

func NewMetricsCollector(source StateSource) *MetricsCollector {
	return &MetricsCollector{
		source: source,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedjet_connected",
			Help: "1 if the BLE link to the BedJet is up",
		}),
		currentTempF: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedjet_current_temperature_fahrenheit",
			Help: "Temperature reported by the BedJet (F)",
		}),
		targetTempF: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedjet_target_temperature_fahrenheit",
			Help: "Target temperature (F)",
		}),
		fanPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedjet_fan_speed_percent",
			Help: "Fan speed (%)",
		}),
		timeRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedjet_time_remaining_seconds",
			Help: "Seconds left on the run timer",
		}),
		reconnectAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedjet_reconnect_attempts",
			Help: "Reconnection attempts since the link last came up",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bedjet_mode",
			Help: "1 for the active operating mode",
		}, []string{"mode"}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.connected.Describe(ch)
	c.currentTempF.Describe(ch)
	c.targetTempF.Describe(ch)
	c.fanPercent.Describe(ch)
	c.timeRemaining.Describe(ch)
	c.reconnectAttempts.Describe(ch)
	c.mode.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.source.State()

	if s.Connected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
	c.reconnectAttempts.Set(float64(s.ReconnectAttempts))

	if s.CurrentTempF != nil {
		c.currentTempF.Set(float64(*s.CurrentTempF))
		c.seenCurrent = true
	}
	if s.TargetTempF != nil {
		c.targetTempF.Set(float64(*s.TargetTempF))
		c.seenTarget = true
	}
	if s.FanPercent != nil {
		c.fanPercent.Set(float64(*s.FanPercent))
		c.seenFan = true
	}
	if s.TimeRemaining != nil {
		c.timeRemaining.Set(float64(*s.TimeRemaining))
		c.seenTime = true
	}

	c.mode.Reset()
	for _, m := range []protocol.Mode{
		protocol.ModeOff, protocol.ModeCool, protocol.ModeHeat,
		protocol.ModeTurbo, protocol.ModeDry, protocol.ModeExtHeat,
	} {
		v := 0.0
		if s.Mode == m {
			v = 1
		}
		c.mode.With(prometheus.Labels{"mode": m.String()}).Set(v)
	}

	c.connected.Collect(ch)
	c.reconnectAttempts.Collect(ch)
	if c.seenCurrent {
		c.currentTempF.Collect(ch)
	}
	if c.seenTarget {
		c.targetTempF.Collect(ch)
	}
	if c.seenFan {
		c.fanPercent.Collect(ch)
	}
	if c.seenTime {
		c.timeRemaining.Collect(ch)
	}
	c.mode.Collect(ch)
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
