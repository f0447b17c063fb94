package fabric

import (
	"time"
)

// Kind is the resource kind of a broker destination.
type Kind string

const (
	KindQueue Kind = "queue"
	KindTopic Kind = "topic"
)

const (
	// QueuePrefix and TopicPrefix prefix the bare name in a fully-qualified destination name.
	QueuePrefix = "queue://"
	TopicPrefix = "topic://"

	kindPrefixLength = 8
)

// RawDestination is one row of statistics as delivered by the statistics source.
type RawDestination struct {
	FQName           string
	QueuedMessages   int64
	InFlightMessages int64
	// FirstMessageTime is the enqueue time of the head message, zero if unknown or empty.
	FirstMessageTime time.Time
	// SampleTime is the local time the statistics were received.
	SampleTime time.Time
	// BrokerTime is the broker's clock when it produced the statistics, zero if not supplied.
	BrokerTime time.Time
}

// Destination is a classified broker destination. It is never modified after
// classification; each refresh produces new instances.
type Destination struct {
	FQName           string        `json:"fqName"`
	Name             string        `json:"name"`
	Kind             Kind          `json:"kind"`
	QueuedMessages   int64         `json:"queuedMessages"`
	InFlightMessages int64         `json:"inFlightMessages"`
	HeadMessageAge   time.Duration `json:"headMessageAge,omitempty"`
	HeadAgeKnown     bool          `json:"headAgeKnown"`
	LastUpdate       time.Time     `json:"lastUpdate"`
	LastUpdateBroker time.Time     `json:"lastUpdateBroker,omitempty"`
	DeadLetter       bool          `json:"deadLetter"`
	GlobalDeadLetter bool          `json:"globalDeadLetter"`
	StageID          string        `json:"stageId,omitempty"`
	Role             *Role         `json:"role,omitempty"`
}

// HeadAge returns the age of the head message and whether it is known.
func (d *Destination) HeadAge() (time.Duration, bool) {
	return d.HeadMessageAge, d.HeadAgeKnown
}

// HasStage reports whether a stage id could be extracted from the name.
func (d *Destination) HasStage() bool {
	return d.StageID != ""
}

// QualifiedName builds the fully-qualified name for a bare name.
func QualifiedName(kind Kind, bareName string) string {
	if kind == KindTopic {
		return TopicPrefix + bareName
	}
	return QueuePrefix + bareName
}

// ParseFQName splits a fully-qualified name into kind and bare name.
func ParseFQName(fqName string) (Kind, string, error) {
	if len(fqName) <= kindPrefixLength {
		return "", "", &NameError{Name: fqName, Err: ErrMalformedName}
	}
	switch fqName[:kindPrefixLength] {
	case QueuePrefix:
		return KindQueue, fqName[kindPrefixLength:], nil
	case TopicPrefix:
		return KindTopic, fqName[kindPrefixLength:], nil
	}
	return "", "", &NameError{Name: fqName, Err: ErrUnknownKind}
}
