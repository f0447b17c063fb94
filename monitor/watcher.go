package monitor

import (
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

var deadLetterRoles = []fabric.Role{
	fabric.RoleDeadLetter,
	fabric.RoleDeadLetterNonPersistentInteractive,
}

var incomingRoles = []fabric.Role{
	fabric.RoleStandard,
	fabric.RoleNonPersistentInteractive,
}

// FabricWatcher renders the fabric to a terminal on every update event.
type FabricWatcher struct {
	out     io.Writer
	manager *SnapshotManager
	filter  []string
	clear   bool
	mu      sync.Mutex
}

// NewFabricWatcher creates a watcher rendering manager's snapshots to out.
// filter holds endpoint id patterns, "*" matching any run of characters.
func NewFabricWatcher(out io.Writer, manager *SnapshotManager, filter []string, clearScreen bool) *FabricWatcher {
	return &FabricWatcher{out: out, manager: manager, filter: filter, clear: clearScreen}
}

func (w *FabricWatcher) Name() string {
	return "fabric-watcher"
}

// HandleUpdate renders the current snapshot
func (w *FabricWatcher) HandleUpdate(event UpdateEvent) error {
	s, ok := w.manager.Snapshot()
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.clear {
		// ANSI: clear screen, cursor home
		fmt.Fprint(w.out, "\033[2J\033[H")
	}
	return RenderFabric(w.out, s, w.filter)
}

// RenderFabric writes a per-endpoint table of queued and dead-lettered messages.
func RenderFabric(out io.Writer, s *Snapshot, filter []string) error {
	var b strings.Builder

	broker := "unknown broker"
	if s.Broker != nil {
		broker = s.Broker.Type + " " + s.Broker.Name
	}
	fmt.Fprintf(&b, "Broker Monitor - %s - %s\n", broker, s.LastUpdateLocal.Format("2006-01-02 15:04:05"))
	b.WriteString(strings.Repeat("=", 100) + "\n")

	tree := s.Fabric
	incoming := tree.Stats(incomingRoles...)
	dlq := tree.Stats(deadLetterRoles...)
	fmt.Fprintf(&b, "Endpoints: %d | Queued: %d | Dead letters: %d | Remaining destinations: %d\n",
		len(tree.Endpoints), incoming.TotalQueued, dlq.TotalQueued, len(tree.Remaining))
	if tree.GlobalDLQ != nil && tree.GlobalDLQ.QueuedMessages > 0 {
		fmt.Fprintf(&b, "Global DLQ %s holds %d messages\n", tree.GlobalDLQ.Name, tree.GlobalDLQ.QueuedMessages)
	}
	b.WriteString(strings.Repeat("-", 100) + "\n")
	fmt.Fprintf(&b, "%-50s %10s %10s %10s %15s\n", "Endpoint", "Queued", "DLQ", "Muted", "Oldest")
	b.WriteString(strings.Repeat("-", 100) + "\n")

	rows := 0
	for _, name := range tree.GroupNames() {
		for _, e := range tree.Groups[name].Endpoints {
			if !matchesAny(e.ID, filter) {
				continue
			}
			q := e.Stats(incomingRoles...)
			d := e.Stats(deadLetterRoles...)
			m := e.Stats(fabric.RoleDeadLetterMuted)

			oldest := "-"
			if q.HeadAgeKnown {
				oldest = q.OldestHeadAge.Round(time.Second).String()
			}

			marker := ""
			if d.TotalQueued > 0 {
				marker = "!"
			}
			fmt.Fprintf(&b, "%-50s %10d %10d %10d %15s\n",
				truncateString(e.ID, 49)+marker, q.TotalQueued, d.TotalQueued, m.TotalQueued, oldest)
			rows++
		}
	}
	if rows == 0 {
		b.WriteString("No endpoints found matching filter\n")
	}
	b.WriteString(strings.Repeat("-", 100) + "\n")

	_, err := io.WriteString(out, b.String())
	return err
}

func matchesAny(id string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
