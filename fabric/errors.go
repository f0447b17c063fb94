package fabric

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedName is returned for names too short to carry a kind prefix
	ErrMalformedName = errors.New("fabric: malformed destination name")
	// ErrUnknownKind is returned when the kind prefix is neither queue:// nor topic://
	ErrUnknownKind = errors.New("fabric: unknown destination kind prefix")
	// ErrEndpointCollision is returned when two endpoint ids normalize to the same id
	ErrEndpointCollision = errors.New("fabric: endpoint id collision")
)

// NameError describes a destination name that could not be parsed
type NameError struct {
	Name string
	Err  error
}

func (e *NameError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Name)
}

func (e *NameError) Unwrap() error {
	return e.Err
}

// IntegrityError reports that the destination set violates a structural
// invariant of the fabric and cannot be aggregated.
type IntegrityError struct {
	NormalizedID string
	EndpointIDs  []string
	Err          error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: endpoints [%s] share id %q",
		e.Err, strings.Join(e.EndpointIDs, ", "), e.NormalizedID)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
