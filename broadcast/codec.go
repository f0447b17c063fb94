package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/mmate-brokermonitor/fabric"
	"github.com/glimte/mmate-brokermonitor/monitor"
)

// Command methods
const (
	MethodForceUpdate     = "forceUpdate"
	MethodForceUpdateFull = "forceUpdateFull"
)

// Command asks the node running the poller for a refresh
type Command struct {
	CorrelationID string
	Full          bool
	// NodeID is the node that issued the command
	NodeID string
}

type commandDTO struct {
	Method        string `json:"m"`
	CorrelationID string `json:"cid,omitempty"`
	NodeID        string `json:"nid"`
}

type brokerDTO struct {
	Type    string `json:"t"`
	Name    string `json:"n"`
	Version string `json:"v,omitempty"`
	JSON    string `json:"j,omitempty"`
}

type destinationDTO struct {
	Name             string `json:"n"`
	Queued           int64  `json:"q"`
	InFlight         int64  `json:"f"`
	LastUpdate       int64  `json:"lu"`
	LastUpdateBroker int64  `json:"lub,omitempty"`
	HeadAge          *int64 `json:"ha,omitempty"`
}

type updateDTO struct {
	SentUTS       int64                     `json:"suts"`
	CorrelationID string                    `json:"cid,omitempty"`
	Full          bool                      `json:"fu"`
	NodeID        string                    `json:"nid"`
	Broker        *brokerDTO                `json:"bi,omitempty"`
	Destinations  map[string]destinationDTO `json:"ds"`
}

// EncodeUpdate serializes an update event in the compact wire form
func EncodeUpdate(event monitor.UpdateEvent) ([]byte, error) {
	dto := updateDTO{
		SentUTS:       millis(event.Timestamp),
		CorrelationID: event.CorrelationID,
		Full:          event.Full,
		NodeID:        event.OriginNodeID,
		Destinations:  make(map[string]destinationDTO, len(event.Destinations)),
	}
	if b := event.Broker; b != nil {
		dto.Broker = &brokerDTO{Type: b.Type, Name: b.Name, Version: b.Version, JSON: b.JSON}
	}

	for fq, d := range event.Destinations {
		ds := destinationDTO{
			Name:             d.FQName,
			Queued:           d.QueuedMessages,
			InFlight:         d.InFlightMessages,
			LastUpdate:       millis(d.LastUpdate),
			LastUpdateBroker: millis(d.LastUpdateBroker),
		}
		if age, ok := d.HeadAge(); ok {
			ms := age.Milliseconds()
			ds.HeadAge = &ms
		}
		dto.Destinations[fq] = ds
	}

	return json.Marshal(dto)
}

// DecodeUpdate parses the compact wire form into a RawUpdate ready for
// SnapshotManager.Update. The update is marked as not originating locally.
func DecodeUpdate(data []byte) (monitor.RawUpdate, error) {
	var dto updateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return monitor.RawUpdate{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	raw := monitor.RawUpdate{
		Full:          dto.Full,
		CorrelationID: dto.CorrelationID,
		OriginNodeID:  dto.NodeID,
		OriginLocal:   false,
		StatsLatency:  -1,
		Destinations:  make([]fabric.RawDestination, 0, len(dto.Destinations)),
	}
	if b := dto.Broker; b != nil {
		raw.Broker = &monitor.BrokerInfo{Type: b.Type, Name: b.Name, Version: b.Version, JSON: b.JSON}
	}

	for fq, d := range dto.Destinations {
		name := d.Name
		if name == "" {
			name = fq
		}
		rd := fabric.RawDestination{
			FQName:           name,
			QueuedMessages:   d.Queued,
			InFlightMessages: d.InFlight,
			SampleTime:       fromMillis(d.LastUpdate),
			BrokerTime:       fromMillis(d.LastUpdateBroker),
		}
		if d.HeadAge != nil {
			// the receiving classifier measures from the same reference time
			reference := rd.SampleTime
			if !rd.BrokerTime.IsZero() {
				reference = rd.BrokerTime
			}
			rd.FirstMessageTime = reference.Add(-time.Duration(*d.HeadAge) * time.Millisecond)
		}
		raw.Destinations = append(raw.Destinations, rd)
	}

	return raw, nil
}

// EncodeCommand serializes a command in the compact wire form
func EncodeCommand(cmd Command) ([]byte, error) {
	method := MethodForceUpdate
	if cmd.Full {
		method = MethodForceUpdateFull
	}
	return json.Marshal(commandDTO{Method: method, CorrelationID: cmd.CorrelationID, NodeID: cmd.NodeID})
}

// DecodeCommand parses a command
func DecodeCommand(data []byte) (Command, error) {
	var dto commandDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	cmd := Command{CorrelationID: dto.CorrelationID, NodeID: dto.NodeID}
	switch dto.Method {
	case MethodForceUpdate:
	case MethodForceUpdateFull:
		cmd.Full = true
	default:
		return Command{}, fmt.Errorf("%w: unknown command method %q", ErrMalformedMessage, dto.Method)
	}
	return cmd, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
