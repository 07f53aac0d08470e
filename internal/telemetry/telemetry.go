package telemetry

import (
	"context"
	"net/http"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/thermal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thermalctl"

type exporter struct {
	registry *prometheus.Registry
	logger   logger.Logger

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	temperature  *prometheus.GaugeVec
	trend        *prometheus.GaugeVec
	fans         *prometheus.GaugeVec
	psus         *prometheus.GaugeVec
	matches      *prometheus.CounterVec
	collectErrs  *prometheus.CounterVec
	actionErrs   *prometheus.CounterVec
}

// NewExporter registers the engine metrics on a private registry
func NewExporter(log logger.Logger) (Exporter, error) {
	e := &exporter{
		registry: prometheus.NewRegistry(),
		logger:   log,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Engine ticks run.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent collecting, evaluating and acting in one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Thermal readings of the last successful collect.",
		}, []string{"reading"}),
		trend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "thermal_trend",
			Help:      "1 while the averaged temperature is warming up or cooling down.",
		}, []string{"direction"}),
		fans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fans",
			Help:      "Fans by state.",
		}, []string{"state"}),
		psus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "psus",
			Help:      "Power supplies by state.",
		}, []string{"state"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_matches_total",
			Help:      "Ticks in which a policy matched.",
		}, []string{"policy"}),
		collectErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_errors_total",
			Help:      "Failed info collects.",
		}, []string{"info"}),
		actionErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_errors_total",
			Help:      "Failed action executions.",
		}, []string{"policy", "action"}),
	}

	collectors := []prometheus.Collector{
		e.ticks, e.tickDuration, e.temperature, e.trend,
		e.fans, e.psus, e.matches, e.collectErrs, e.actionErrs,
	}
	for _, c := range collectors {
		if err := e.registry.Register(c); err != nil {
			return nil, errors.New().Wrap(ErrRegisterCollector, err)
		}
	}

	return e, nil
}

func (e *exporter) Gatherer() prometheus.Gatherer { return e.registry }

func (e *exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *exporter) ObserveTick(_ context.Context, report *thermal.TickReport) {
	e.ticks.Inc()
	e.tickDuration.Observe(report.Duration.Seconds())

	// a tick whose thermal collect never succeeded leaves the gauges unset
	if st := report.Thermal; st != nil {
		e.temperature.WithLabelValues("average").Set(st.CurrentAverage)
		e.temperature.WithLabelValues("previous").Set(st.PreviousAverage)
		e.temperature.WithLabelValues("critical").Set(st.CriticalTemp)
		e.temperature.WithLabelValues("high_threshold").Set(st.HighThreshold)
		e.temperature.WithLabelValues("low_threshold").Set(st.LowThreshold)
		e.temperature.WithLabelValues("critical_threshold").Set(st.CriticalThreshold)
		e.trend.WithLabelValues("warm_up").Set(flag(st.WarmUp))
		e.trend.WithLabelValues("cool_down").Set(flag(st.CoolDown))
	}

	e.fans.WithLabelValues("present").Set(float64(len(report.Fans.Present)))
	e.fans.WithLabelValues("absent").Set(float64(len(report.Fans.Absent)))
	e.fans.WithLabelValues("fault").Set(float64(len(report.Fans.Fault)))
	e.psus.WithLabelValues("present").Set(float64(len(report.Psus.Present)))
	e.psus.WithLabelValues("absent").Set(float64(len(report.Psus.Absent)))

	for _, name := range report.Matched {
		e.matches.WithLabelValues(name).Inc()
	}
	for info := range report.CollectErrors {
		e.collectErrs.WithLabelValues(info).Inc()
	}
	for _, ae := range report.ActionErrors {
		e.actionErrs.WithLabelValues(ae.Policy, ae.Action).Inc()
	}
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
