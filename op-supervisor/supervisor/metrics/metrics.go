// Package metrics defines the supervisor's domain metrics: per-chain
// storage table sizes and safety-head heights, registered against the
// shared prometheus factory from op-service/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	opmetrics "github.com/ethereum-optimism/op-supervisor-x/op-service/metrics"
)

const namespace = "op_supervisor"

type Metricer interface {
	RecordDBEntryCount(chainID eth.ChainID, table string, count int64)
	RecordSafetyHead(chainID eth.ChainID, level string, number uint64)
}

type Metrics struct {
	dbEntryCount *prometheus.GaugeVec
	safetyHead   *prometheus.GaugeVec
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics(factory *opmetrics.Factory) *Metrics {
	return &Metrics{
		dbEntryCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_entry_count",
			Help:      "Number of entries in a chain's storage table.",
		}, []string{"chain", "table"}),
		safetyHead: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_head",
			Help:      "Block number of a chain's current safety head, by level.",
		}, []string{"chain", "level"}),
	}
}

func (m *Metrics) RecordDBEntryCount(chainID eth.ChainID, table string, count int64) {
	m.dbEntryCount.WithLabelValues(chainID.String(), table).Set(float64(count))
}

func (m *Metrics) RecordSafetyHead(chainID eth.ChainID, level string, number uint64) {
	m.safetyHead.WithLabelValues(chainID.String(), level).Set(float64(number))
}

type noopMetrics struct{}

var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordDBEntryCount(eth.ChainID, string, int64) {}
func (noopMetrics) RecordSafetyHead(eth.ChainID, string, uint64)  {}
