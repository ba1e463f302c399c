package chatsync

import "github.com/prometheus/client_golang/prometheus"

// metrics is optional; a nil *metrics records nothing.
type metrics struct {
	sends        *prometheus.CounterVec
	reconnects   prometheus.Counter
	translations *prometheus.CounterVec
	subState     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Outgoing messages by final result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Subscription reconnect attempts.",
		}),
		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "translations_total",
			Help:      "Translation requests by result.",
		}, []string{"result"}),
		subState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "subscription_state",
			Help:      "Subscription state: 0 disconnected, 1 connecting, 2 subscribed, 3 failed.",
		}),
	}
	for _, c := range []prometheus.Collector{m.sends, m.reconnects, m.translations, m.subState} {
		if err := reg.Register(c); err != nil {
			// Several sessions may share a registry; reuse what is there.
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch c {
				case m.sends:
					m.sends = are.ExistingCollector.(*prometheus.CounterVec)
				case m.reconnects:
					m.reconnects = are.ExistingCollector.(prometheus.Counter)
				case m.translations:
					m.translations = are.ExistingCollector.(*prometheus.CounterVec)
				case m.subState:
					m.subState = are.ExistingCollector.(prometheus.Gauge)
				}
			}
		}
	}
	return m
}

func (m *metrics) send(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *metrics) translation(result string) {
	if m != nil {
		m.translations.WithLabelValues(result).Inc()
	}
}

func (m *metrics) state(s SubscriptionState) {
	if m == nil {
		return
	}
	switch s {
	case StateConnecting:
		m.subState.Set(1)
	case StateSubscribed:
		m.subState.Set(2)
	case StateFailed:
		m.subState.Set(3)
	default:
		m.subState.Set(0)
	}
}
