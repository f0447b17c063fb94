package fabric

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// DeadLetterPrefix marks a per-destination dead-letter queue.
	DeadLetterPrefix = "DLQ."
	// DefaultGlobalDLQName is the broker-wide catch-all dead-letter queue.
	DefaultGlobalDLQName = "global.DLQ"
	// DefaultNamespacePrefix is the prefix every fabric destination name starts with.
	DefaultNamespacePrefix = "mats."

	stageSuffix = ".stage"
)

var stageIDPattern = regexp.MustCompile(`^(.*)\.stage(\d+)$`)

// Classifier turns raw destination names into fabric destinations.
// A Classifier is immutable and safe for concurrent use.
type Classifier struct {
	namespacePrefix  string
	deadLetterPrefix string
	globalDLQName    string
	roles            []Role
	prefixes         []string
}

// ClassifierOption configures a Classifier
type ClassifierOption func(*Classifier)

// WithRoles sets the ordered role set. The first matching role wins, so the
// caller must order roles with overlapping midfixes most-specific first.
func WithRoles(roles []Role) ClassifierOption {
	return func(c *Classifier) {
		c.roles = append([]Role(nil), roles...)
	}
}

// WithGlobalDLQName sets the name of the broker's catch-all dead-letter queue
func WithGlobalDLQName(name string) ClassifierOption {
	return func(c *Classifier) {
		c.globalDLQName = name
	}
}

// WithDeadLetterPrefix overrides the "DLQ." dead-letter naming prefix
func WithDeadLetterPrefix(prefix string) ClassifierOption {
	return func(c *Classifier) {
		c.deadLetterPrefix = prefix
	}
}

// NewClassifier creates a classifier for destinations under namespacePrefix.
func NewClassifier(namespacePrefix string, options ...ClassifierOption) *Classifier {
	c := &Classifier{
		namespacePrefix:  namespacePrefix,
		deadLetterPrefix: DeadLetterPrefix,
		globalDLQName:    DefaultGlobalDLQName,
		roles:            DefaultRoles(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.prefixes = make([]string, len(c.roles))
	for i, role := range c.roles {
		c.prefixes[i] = c.rolePrefix(role)
	}

	return c
}

// NamespacePrefix returns the configured namespace prefix
func (c *Classifier) NamespacePrefix() string {
	return c.namespacePrefix
}

// GlobalDLQName returns the configured global dead-letter queue name
func (c *Classifier) GlobalDLQName() string {
	return c.globalDLQName
}

// Roles returns a copy of the configured role order
func (c *Classifier) Roles() []Role {
	return append([]Role(nil), c.roles...)
}

// Classify builds a Destination from one raw statistics row.
func (c *Classifier) Classify(raw RawDestination) (*Destination, error) {
	kind, name, err := ParseFQName(raw.FQName)
	if err != nil {
		return nil, err
	}

	d := &Destination{
		FQName:           raw.FQName,
		Name:             name,
		Kind:             kind,
		QueuedMessages:   raw.QueuedMessages,
		InFlightMessages: raw.InFlightMessages,
		LastUpdate:       raw.SampleTime,
		LastUpdateBroker: raw.BrokerTime,
	}

	if !raw.FirstMessageTime.IsZero() {
		reference := raw.SampleTime
		if !raw.BrokerTime.IsZero() {
			reference = raw.BrokerTime
		}
		age := reference.Sub(raw.FirstMessageTime)
		if age < 0 {
			// clock skew between broker and monitor
			age = 0
		}
		d.HeadMessageAge = age
		d.HeadAgeKnown = true
	}

	d.GlobalDeadLetter = name == c.globalDLQName
	d.DeadLetter = d.GlobalDeadLetter || strings.HasPrefix(name, c.deadLetterPrefix)

	for i, prefix := range c.prefixes {
		if strings.HasPrefix(name, prefix) {
			role := c.roles[i]
			d.Role = &role
			d.StageID = name[len(prefix):]
			break
		}
	}

	return d, nil
}

// QueueName builds the bare queue name of a stage's destination for role.
func (c *Classifier) QueueName(role Role, stageID string) string {
	return c.rolePrefix(role) + stageID
}

func (c *Classifier) rolePrefix(role Role) string {
	if role.DeadLetter {
		return c.deadLetterPrefix + c.namespacePrefix + role.Midfix
	}
	return c.namespacePrefix + role.Midfix
}

// ParseStageID splits a stage id into endpoint id and stage index.
// An id without a ".stageN" suffix is the endpoint's entry stage, index 0.
func ParseStageID(stageID string) (string, int) {
	m := stageIDPattern.FindStringSubmatch(stageID)
	if m == nil {
		return stageID, 0
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		// digits overflowing int are not a stage suffix
		return stageID, 0
	}
	return m[1], index
}

// FormatStageID is the inverse of ParseStageID.
func FormatStageID(endpointID string, index int) string {
	if index == 0 {
		return endpointID
	}
	return endpointID + stageSuffix + strconv.Itoa(index)
}
