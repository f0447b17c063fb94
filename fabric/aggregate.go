package fabric

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// DefaultPrivateMarker marks endpoints that are internal to their service.
const DefaultPrivateMarker = ".private."

// Stage is one processing step of an endpoint, holding at most one destination per role.
type Stage struct {
	ID           string                `json:"id"`
	EndpointID   string                `json:"endpointId"`
	Index        int                   `json:"index"`
	Destinations map[Role]*Destination `json:"-"`
}

// Destination returns the stage's destination for role.
func (s *Stage) Destination(role Role) (*Destination, bool) {
	d, ok := s.Destinations[role]
	return d, ok
}

func (s *Stage) MarshalJSON() ([]byte, error) {
	byRole := make(map[string]*Destination, len(s.Destinations))
	for role, d := range s.Destinations {
		byRole[role.Name] = d
	}
	return json.Marshal(struct {
		ID           string                  `json:"id"`
		EndpointID   string                  `json:"endpointId"`
		Index        int                     `json:"index"`
		Destinations map[string]*Destination `json:"destinations"`
	}{s.ID, s.EndpointID, s.Index, byRole})
}

// Stats reduces the stage's destinations having one of roles.
func (s *Stage) Stats(roles ...Role) QueueStats {
	var qs QueueStats
	for _, role := range roles {
		if d, ok := s.Destinations[role]; ok {
			qs.add(d)
		}
	}
	return qs
}

// Endpoint is an ordered set of stages sharing an endpoint id.
type Endpoint struct {
	ID     string   `json:"id"`
	Stages []*Stage `json:"stages"`
}

// Stage returns the stage with the given index.
func (e *Endpoint) Stage(index int) (*Stage, bool) {
	i := sort.Search(len(e.Stages), func(i int) bool { return e.Stages[i].Index >= index })
	if i < len(e.Stages) && e.Stages[i].Index == index {
		return e.Stages[i], true
	}
	return nil, false
}

// Private reports whether the endpoint id contains marker.
func (e *Endpoint) Private(marker string) bool {
	return strings.Contains(e.ID, marker)
}

func (e *Endpoint) Stats(roles ...Role) QueueStats {
	var qs QueueStats
	for _, s := range e.Stages {
		qs.merge(s.Stats(roles...))
	}
	return qs
}

// EndpointGroup holds the endpoints of one service, private endpoints last.
type EndpointGroup struct {
	Name      string      `json:"name"`
	Endpoints []*Endpoint `json:"endpoints"`
}

func (g *EndpointGroup) Stats(roles ...Role) QueueStats {
	var qs QueueStats
	for _, e := range g.Endpoints {
		qs.merge(e.Stats(roles...))
	}
	return qs
}

// Fabric is the aggregated view of every observed destination.
type Fabric struct {
	GlobalDLQ *Destination              `json:"globalDlq,omitempty"`
	Groups    map[string]*EndpointGroup `json:"groups"`
	Endpoints map[string]*Endpoint      `json:"-"`
	Remaining []*Destination            `json:"remaining"`
}

// GroupNames returns the group names in lexicographic order.
func (f *Fabric) GroupNames() []string {
	names := make([]string, 0, len(f.Groups))
	for name := range f.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EndpointIDs returns the endpoint ids in lexicographic order.
func (f *Fabric) EndpointIDs() []string {
	ids := make([]string, 0, len(f.Endpoints))
	for id := range f.Endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Fabric) Stats(roles ...Role) QueueStats {
	var qs QueueStats
	for _, e := range f.Endpoints {
		qs.merge(e.Stats(roles...))
	}
	return qs
}

// Destinations returns every destination held by the fabric: the global
// dead-letter queue, all stage role cells and the remaining list.
func (f *Fabric) Destinations() []*Destination {
	var all []*Destination
	if f.GlobalDLQ != nil {
		all = append(all, f.GlobalDLQ)
	}
	for _, id := range f.EndpointIDs() {
		for _, s := range f.Endpoints[id].Stages {
			for _, d := range s.Destinations {
				all = append(all, d)
			}
		}
	}
	return append(all, f.Remaining...)
}

// QueueStats is a reduction over a set of destinations.
type QueueStats struct {
	Destinations  int           `json:"destinations"`
	TotalQueued   int64         `json:"totalQueued"`
	MaxQueued     int64         `json:"maxQueued"`
	OldestHeadAge time.Duration `json:"oldestHeadAge"`
	HeadAgeKnown  bool          `json:"headAgeKnown"`
}

func (qs *QueueStats) add(d *Destination) {
	qs.Destinations++
	qs.TotalQueued += d.QueuedMessages
	if d.QueuedMessages > qs.MaxQueued {
		qs.MaxQueued = d.QueuedMessages
	}
	if age, ok := d.HeadAge(); ok {
		if !qs.HeadAgeKnown || age > qs.OldestHeadAge {
			qs.OldestHeadAge = age
		}
		qs.HeadAgeKnown = true
	}
}

func (qs *QueueStats) merge(other QueueStats) {
	qs.Destinations += other.Destinations
	qs.TotalQueued += other.TotalQueued
	if other.MaxQueued > qs.MaxQueued {
		qs.MaxQueued = other.MaxQueued
	}
	if other.HeadAgeKnown && (!qs.HeadAgeKnown || other.OldestHeadAge > qs.OldestHeadAge) {
		qs.OldestHeadAge = other.OldestHeadAge
		qs.HeadAgeKnown = true
	}
}

// AggregateOption configures Aggregate
type AggregateOption func(*aggregateConfig)

type aggregateConfig struct {
	normalize     func(string) string
	privateMarker string
}

// WithNormalizer sets the function endpoint ids are compared under. Two
// distinct ids with the same normalized form fail the aggregation.
func WithNormalizer(fn func(string) string) AggregateOption {
	return func(c *aggregateConfig) {
		c.normalize = fn
	}
}

// WithPrivateMarker sets the id substring that sorts an endpoint last in its group
func WithPrivateMarker(marker string) AggregateOption {
	return func(c *aggregateConfig) {
		c.privateMarker = marker
	}
}

// CaseInsensitive normalizes endpoint ids by lower-casing them.
func CaseInsensitive(id string) string {
	return strings.ToLower(id)
}

// GroupName returns the endpoint group of an endpoint id: the id up to the first '.'.
func GroupName(endpointID string) string {
	if i := strings.IndexByte(endpointID, '.'); i >= 0 {
		return endpointID[:i]
	}
	return endpointID
}

// Aggregate builds the fabric tree from a complete set of classified
// destinations. The input is not modified. Destinations are processed in
// fully-qualified name order, so the result does not depend on input order.
//
// A destination displaced from a role cell by a later one with the same
// (endpoint, stage, role) is kept in Remaining.
func Aggregate(destinations []*Destination, options ...AggregateOption) (*Fabric, error) {
	cfg := &aggregateConfig{
		normalize:     func(id string) string { return id },
		privateMarker: DefaultPrivateMarker,
	}
	for _, opt := range options {
		opt(cfg)
	}

	sorted := append([]*Destination(nil), destinations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FQName < sorted[j].FQName })

	f := &Fabric{
		Groups:    make(map[string]*EndpointGroup),
		Endpoints: make(map[string]*Endpoint),
	}

	stages := make(map[string]map[int]*Stage)
	normalized := make(map[string]string)

	for _, d := range sorted {
		if d.GlobalDeadLetter && f.GlobalDLQ == nil {
			f.GlobalDLQ = d
			continue
		}
		if !d.HasStage() {
			f.Remaining = append(f.Remaining, d)
			continue
		}

		endpointID, index := ParseStageID(d.StageID)

		key := cfg.normalize(endpointID)
		if existing, ok := normalized[key]; ok && existing != endpointID {
			ids := []string{existing, endpointID}
			sort.Strings(ids)
			return nil, &IntegrityError{NormalizedID: key, EndpointIDs: ids, Err: ErrEndpointCollision}
		}
		normalized[key] = endpointID

		byIndex, ok := stages[endpointID]
		if !ok {
			byIndex = make(map[int]*Stage)
			stages[endpointID] = byIndex
		}
		stage, ok := byIndex[index]
		if !ok {
			stage = &Stage{
				ID:           FormatStageID(endpointID, index),
				EndpointID:   endpointID,
				Index:        index,
				Destinations: make(map[Role]*Destination),
			}
			byIndex[index] = stage
		}

		role := cellRole(d)
		if displaced, ok := stage.Destinations[role]; ok {
			f.Remaining = append(f.Remaining, displaced)
		}
		stage.Destinations[role] = d
	}

	for endpointID, byIndex := range stages {
		e := &Endpoint{ID: endpointID, Stages: make([]*Stage, 0, len(byIndex))}
		for _, s := range byIndex {
			e.Stages = append(e.Stages, s)
		}
		sort.Slice(e.Stages, func(i, j int) bool { return e.Stages[i].Index < e.Stages[j].Index })
		f.Endpoints[endpointID] = e
	}

	for _, endpointID := range f.EndpointIDs() {
		name := GroupName(endpointID)
		g, ok := f.Groups[name]
		if !ok {
			g = &EndpointGroup{Name: name}
			f.Groups[name] = g
		}
		g.Endpoints = append(g.Endpoints, f.Endpoints[endpointID])
	}
	for _, g := range f.Groups {
		sort.SliceStable(g.Endpoints, func(i, j int) bool {
			return !g.Endpoints[i].Private(cfg.privateMarker) && g.Endpoints[j].Private(cfg.privateMarker)
		})
	}

	return f, nil
}

// cellRole is the role cell a staged destination occupies. Destinations
// without a detected role fall back on their dead-letter flag.
func cellRole(d *Destination) Role {
	if d.Role != nil {
		return *d.Role
	}
	if d.DeadLetter {
		return RoleDeadLetter
	}
	return RoleStandard
}
