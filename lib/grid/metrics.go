package grid

import (
	"fmt"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dGC/lib/msg"
	gometrics "github.com/rcrowley/go-metrics"
)

// metricsMonitor exposes the engine's counters via VictoriaMetrics and
// keeps per-op latency timers in a go-metrics registry.
type metricsMonitor struct {
	name string

	hits        *vm.Counter
	staleHits   *vm.Counter
	misses      *vm.Counter
	invalidates *vm.Counter
	stalePurges *vm.Counter

	registry gometrics.Registry
}

// NewMetricsMonitor creates a Monitor publishing under the given cache
// name.
func NewMetricsMonitor(name string) Monitor {
	return &metricsMonitor{
		name:        name,
		hits:        vm.GetOrCreateCounter(fmt.Sprintf(`dgc_hits_total{cache=%q}`, name)),
		staleHits:   vm.GetOrCreateCounter(fmt.Sprintf(`dgc_stale_hits_total{cache=%q}`, name)),
		misses:      vm.GetOrCreateCounter(fmt.Sprintf(`dgc_misses_total{cache=%q}`, name)),
		invalidates: vm.GetOrCreateCounter(fmt.Sprintf(`dgc_invalidates_total{cache=%q}`, name)),
		stalePurges: vm.GetOrCreateCounter(fmt.Sprintf(`dgc_stale_purges_total{cache=%q}`, name)),
		registry:    gometrics.NewRegistry(),
	}
}

func (m *metricsMonitor) AddHit()      { m.hits.Inc() }
func (m *metricsMonitor) AddStaleHit() { m.staleHits.Inc() }
func (m *metricsMonitor) AddMiss()     { m.misses.Inc() }

func (m *metricsMonitor) AddInvalidate(sharers int) {
	m.invalidates.Add(sharers)
}

func (m *metricsMonitor) AddStalePurge(count int) {
	m.stalePurges.Add(count)
}

func (m *metricsMonitor) AddOp(t OpType, duration time.Duration) {
	gometrics.GetOrRegisterTimer("op."+t.String(), m.registry).Update(duration)
}

func (m *metricsMonitor) AddMessageSent(t msg.Type) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dgc_messages_sent_total{cache=%q,kind=%q}`, m.name, t.String())).Inc()
}

func (m *metricsMonitor) AddMessageReceived(t msg.Type) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dgc_messages_received_total{cache=%q,kind=%q}`, m.name, t.String())).Inc()
}

func (m *metricsMonitor) AddMessageHandlingDelay(count int, total time.Duration, reason DelayReason) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dgc_delayed_messages_total{cache=%q,reason=%q}`, m.name, reason.String())).Add(count)
	gometrics.GetOrRegisterTimer("delay."+reason.String(), m.registry).Update(total)
}
