package fabric

// Role is the function a destination serves for a stage. The midfix is the
// part of the destination name between the namespace prefix and the stage id.
type Role struct {
	Name       string `json:"name"`
	Midfix     string `json:"midfix"`
	DeadLetter bool   `json:"deadLetter"`
}

var (
	// RoleStandard is the incoming queue (or topic) of a stage.
	RoleStandard = Role{Name: "standard", Midfix: ""}
	// RoleNonPersistentInteractive is the incoming queue for non-persistent interactive messages.
	RoleNonPersistentInteractive = Role{Name: "non_persistent_interactive", Midfix: "npia."}
	// RoleWiretap is a topic that receives copies of messages flowing into a stage.
	RoleWiretap = Role{Name: "wiretap", Midfix: "wiretap."}
	// RoleDeadLetter is the dead-letter queue of the standard incoming queue.
	RoleDeadLetter = Role{Name: "dead_letter", Midfix: "", DeadLetter: true}
	// RoleDeadLetterNonPersistentInteractive is the dead-letter queue of the npia queue.
	RoleDeadLetterNonPersistentInteractive = Role{Name: "dead_letter_non_persistent_interactive", Midfix: "npia.", DeadLetter: true}
	// RoleDeadLetterMuted holds dead letters an operator has acknowledged but not resolved.
	RoleDeadLetterMuted = Role{Name: "dead_letter_muted", Midfix: "muted.", DeadLetter: true}
)

// DefaultRoles returns the known roles ordered most-specific first.
//
// Classification is first-match, so a role whose midfix is a prefix of
// another role's midfix must come after it. The standard roles have an empty
// midfix and therefore come last within their dead-letter-ness.
func DefaultRoles() []Role {
	return []Role{
		RoleDeadLetterMuted,
		RoleDeadLetterNonPersistentInteractive,
		RoleDeadLetter,
		RoleNonPersistentInteractive,
		RoleWiretap,
		RoleStandard,
	}
}

// IncomingRole returns the live role a dead-letter role belongs to.
func IncomingRole(r Role) Role {
	switch r {
	case RoleDeadLetterNonPersistentInteractive:
		return RoleNonPersistentInteractive
	case RoleDeadLetter, RoleDeadLetterMuted:
		return RoleStandard
	}
	return r
}

func (r Role) String() string {
	return r.Name
}
