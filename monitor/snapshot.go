package monitor

import (
	"sort"
	"time"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

// BrokerInfo describes the broker the statistics were taken from.
type BrokerInfo struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	// JSON is the broker's own description, as returned by the broker.
	JSON string `json:"json,omitempty"`
}

// Snapshot is the complete point-in-time view of the observed destinations.
// A published Snapshot is never modified.
type Snapshot struct {
	LastUpdateLocal  time.Time                      `json:"lastUpdateLocal"`
	LastUpdateBroker time.Time                      `json:"lastUpdateBroker,omitempty"`
	Destinations     map[string]*fabric.Destination `json:"destinations"`
	Broker           *BrokerInfo                    `json:"broker,omitempty"`
	// StatsLatency is negative when the source did not measure it.
	StatsLatency time.Duration  `json:"statsLatency"`
	Fabric       *fabric.Fabric `json:"fabric"`
}

// DestinationNames returns the fully-qualified names in sorted order.
func (s *Snapshot) DestinationNames() []string {
	names := make([]string, 0, len(s.Destinations))
	for name := range s.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Latency returns the sampling latency if it was measured.
func (s *Snapshot) Latency() (time.Duration, bool) {
	return s.StatsLatency, s.StatsLatency >= 0
}

// RawUpdate is one batch of statistics from the statistics source.
type RawUpdate struct {
	Destinations  []fabric.RawDestination
	Full          bool
	CorrelationID string
	OriginNodeID  string
	OriginLocal   bool
	Broker        *BrokerInfo
	// StatsLatency is negative when not measured.
	StatsLatency time.Duration
}

// UpdateEvent notifies listeners that a new Snapshot has been published.
// Destinations holds every destination for a full event, and only those
// with queued messages otherwise.
type UpdateEvent struct {
	Timestamp     time.Time                      `json:"timestamp"`
	CorrelationID string                         `json:"correlationId,omitempty"`
	Full          bool                           `json:"full"`
	Broker        *BrokerInfo                    `json:"broker,omitempty"`
	OriginLocal   bool                           `json:"originLocal"`
	OriginNodeID  string                         `json:"originNodeId"`
	Destinations  map[string]*fabric.Destination `json:"destinations"`
}
