package config

import (
	"reflect"
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs. Fields that can be
// applied to a running graph are tracked individually; anything else sets
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	NodesChanged bool
	NodeChanges  []NodeDiff // sorted by name

	// RestartRequired is set when server, clock or buffer settings change,
	// or a node's structure (kind, inputs, outputs, offset) changes.
	RestartRequired bool
	RestartReasons  []string
}

// NodeDiff describes what changed for a single node.
type NodeDiff struct {
	Name string

	Added   bool
	Removed bool

	// Hot-reloadable.
	MatrixChanged bool
	VolumeChanged bool
	ColorChanged  bool

	// StructureChanged covers kind, inputs, outputs, latency offset, poll
	// interval, tolerance and construction-only options.
	StructureChanged bool

	New NodeConfig
}

// Reloadable reports whether every change in the diff can be applied in place.
func (nd NodeDiff) Reloadable() bool {
	return !nd.Added && !nd.Removed && !nd.StructureChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.restart("server.listen_addr")
	}
	if old.Clock != new.Clock {
		d.restart("clock")
	}
	if old.Buffers != new.Buffers {
		d.restart("buffers")
	}
	if old.Monitor != new.Monitor {
		d.restart("monitor")
	}

	oldNodes := make(map[string]*NodeConfig, len(old.Nodes))
	for i := range old.Nodes {
		oldNodes[old.Nodes[i].Name] = &old.Nodes[i]
	}
	newNodes := make(map[string]*NodeConfig, len(new.Nodes))
	for i := range new.Nodes {
		newNodes[new.Nodes[i].Name] = &new.Nodes[i]
	}

	for name, o := range oldNodes {
		n, ok := newNodes[name]
		if !ok {
			d.NodeChanges = append(d.NodeChanges, NodeDiff{Name: name, Removed: true})
			continue
		}
		nd := diffNode(o, n)
		if nd.MatrixChanged || nd.VolumeChanged || nd.ColorChanged || nd.StructureChanged {
			d.NodeChanges = append(d.NodeChanges, nd)
		}
	}
	for name, n := range newNodes {
		if _, ok := oldNodes[name]; !ok {
			d.NodeChanges = append(d.NodeChanges, NodeDiff{Name: name, Added: true, New: *n})
		}
	}

	slices.SortFunc(d.NodeChanges, func(a, b NodeDiff) int { return strings.Compare(a.Name, b.Name) })
	d.NodesChanged = len(d.NodeChanges) > 0
	for _, nd := range d.NodeChanges {
		if !nd.Reloadable() {
			d.restart("nodes." + nd.Name)
		}
	}
	return d
}

func (d *ConfigDiff) restart(reason string) {
	d.RestartRequired = true
	d.RestartReasons = append(d.RestartReasons, reason)
}

func diffNode(old, new *NodeConfig) NodeDiff {
	nd := NodeDiff{Name: new.Name, New: *new}

	nd.MatrixChanged = !reflect.DeepEqual(old.Options.Matrix, new.Options.Matrix)
	nd.VolumeChanged = old.Options.VolumeDB != new.Options.VolumeDB
	nd.ColorChanged = old.Options.Color != new.Options.Color

	nd.StructureChanged = old.Kind != new.Kind ||
		!slices.Equal(old.Inputs, new.Inputs) ||
		old.OutputCount() != new.OutputCount() ||
		old.Offset(-1) != new.Offset(-1) ||
		old.PollInterval != new.PollInterval ||
		old.Tolerance != new.Tolerance ||
		old.Options.SampleRate != new.Options.SampleRate ||
		old.Options.QueueSize != new.Options.QueueSize ||
		old.Options.Seed != new.Options.Seed
	return nd
}
