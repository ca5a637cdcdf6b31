package metrics

import (
	"time"

	"github.com/cuemby/cutover/pkg/types"
)

// Source is the read side of the state store the collector samples
type Source interface {
	ListServices() ([]*types.Service, error)
	ListDeployments() ([]*types.Deployment, error)
}

// RaftStats exposes leadership and log position of a replicated store
type RaftStats interface {
	IsLeader() bool
	AppliedIndex() uint64
}

// Collector periodically samples gauges from the state store
type Collector struct {
	source   Source
	raft     RaftStats
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. raft may be nil.
func NewCollector(source Source, raft RaftStats) *Collector {
	return &Collector{
		source:   source,
		raft:     raft,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectServiceMetrics()
	c.collectDeploymentMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectServiceMetrics() {
	services, err := c.source.ListServices()
	if err != nil {
		return
	}

	counts := map[types.Strategy]int{
		types.StrategyRolling:   0,
		types.StrategyBlueGreen: 0,
	}
	for _, svc := range services {
		counts[svc.Strategy]++
	}
	for strategy, n := range counts {
		ServicesTotal.WithLabelValues(string(strategy)).Set(float64(n))
	}
}

func (c *Collector) collectDeploymentMetrics() {
	deployments, err := c.source.ListDeployments()
	if err != nil {
		return
	}

	active := 0
	for _, d := range deployments {
		if !d.Status.Terminal() {
			active++
		}
	}
	DeploymentsActive.Set(float64(active))
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}
	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftAppliedIndex.Set(float64(c.raft.AppliedIndex()))
}
