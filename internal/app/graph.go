package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/internal/monitor"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/audio/meter"
	"github.com/MrWong99/framesync/pkg/audio/mixer"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/audio/noise"
	"github.com/MrWong99/framesync/pkg/audio/opus"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// ErrNotReloadable is returned by [Graph.Apply] for changes that need a
// rebuild.
var ErrNotReloadable = errors.New("app: change requires restart")

// Graph is a set of connected nodes built from configuration. Nodes are kept
// in configuration order.
type Graph struct {
	order []string
	nodes map[string]node.Node
	kinds map[string]config.NodeKind
}

// BuildGraph creates every node through reg and connects consumer inputs to
// producer outputs. On error, nodes created so far are closed.
func BuildGraph(ctx context.Context, nodes []config.NodeConfig, reg *config.Registry, env config.BuildEnv) (*Graph, error) {
	if env.Capacity <= 0 {
		env.Capacity = ringbuf.DefaultCapacity
	}
	g := &Graph{
		nodes: make(map[string]node.Node, len(nodes)),
		kinds: make(map[string]config.NodeKind, len(nodes)),
	}

	for _, nc := range nodes {
		_, span := observe.StartNodeSpan(ctx, "graph.create", nc.Name, string(nc.Kind))
		n, err := reg.Create(nc, env)
		span.End()
		if err != nil {
			g.Close()
			return nil, err
		}
		g.order = append(g.order, nc.Name)
		g.nodes[nc.Name] = n
		g.kinds[nc.Name] = nc.Kind
	}

	for _, nc := range nodes {
		if err := g.connect(nc); err != nil {
			g.Close()
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) connect(nc config.NodeConfig) error {
	if len(nc.Inputs) == 0 {
		return nil
	}
	c, ok := g.nodes[nc.Name].(node.Consumer)
	if !ok {
		return fmt.Errorf("app: node %q has inputs but is not a consumer", nc.Name)
	}
	for port, in := range nc.Inputs {
		ref, err := config.ParseInputRef(in)
		if err != nil {
			return err
		}
		src, ok := g.nodes[ref.Node]
		if !ok {
			return fmt.Errorf("app: node %q input %d: %w: %q", nc.Name, port, config.ErrUnknownNode, ref.Node)
		}
		p, ok := src.(node.Producer)
		if !ok {
			return fmt.Errorf("app: node %q input %d: %q has no outputs", nc.Name, port, ref.Node)
		}
		buf := p.Output(ref.Port)
		if buf == nil {
			return fmt.Errorf("app: node %q input %d: %w: %s", nc.Name, port, node.ErrPortOutOfRange, ref)
		}
		if err := c.SetInput(port, buf); err != nil {
			return fmt.Errorf("app: node %q input %d: %w", nc.Name, port, err)
		}
	}
	return nil
}

// Node returns the named node.
func (g *Graph) Node(name string) (node.Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Names returns node names in configuration order.
func (g *Graph) Names() []string { return slices.Clone(g.order) }

// Start starts every node.
func (g *Graph) Start(ctx context.Context) {
	for _, name := range g.order {
		g.nodes[name].Start(ctx)
	}
}

// Stop stops every node in reverse order.
func (g *Graph) Stop() {
	for _, name := range slices.Backward(g.order) {
		g.nodes[name].Stop()
	}
}

// Close stops every node and closes those that implement [io.Closer].
func (g *Graph) Close() error {
	var errs []error
	for _, name := range slices.Backward(g.order) {
		n := g.nodes[name]
		n.Stop()
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Buffers returns every producer output buffer.
func (g *Graph) Buffers() []*ringbuf.Buffer {
	var out []*ringbuf.Buffer
	for _, name := range g.order {
		if p, ok := g.nodes[name].(node.Producer); ok {
			out = append(out, p.Outputs()...)
		}
	}
	return out
}

// Meters returns the meter nodes.
func (g *Graph) Meters() []*meter.Meter {
	var out []*meter.Meter
	for _, name := range g.order {
		if m, ok := g.nodes[name].(*meter.Meter); ok {
			out = append(out, m)
		}
	}
	return out
}

// Feeder resolves a decoder node for the ingest endpoint.
func (g *Graph) Feeder(name string) (monitor.Feeder, bool) {
	d, ok := g.nodes[name].(*opus.Decoder)
	return d, ok
}

// Apply applies a reloadable node change in place.
func (g *Graph) Apply(nd config.NodeDiff) error {
	if !nd.Reloadable() {
		return fmt.Errorf("%w: node %q", ErrNotReloadable, nd.Name)
	}
	n, ok := g.nodes[nd.Name]
	if !ok {
		return fmt.Errorf("app: %w: %q", config.ErrUnknownNode, nd.Name)
	}
	opts := nd.New.Options

	switch v := n.(type) {
	case *mixer.Mixer:
		if nd.MatrixChanged {
			m := mixer.Matrix(opts.Matrix)
			if len(m) == 0 {
				m = mixer.Identity(v.NumInputs(), len(v.Outputs()))
			}
			if err := v.SetMatrix(m); err != nil {
				return fmt.Errorf("app: node %q: %w", nd.Name, err)
			}
		}
	case *noise.Generator:
		if nd.VolumeChanged {
			v.SetVolumeDB(opts.VolumeDB)
		}
		if nd.ColorChanged {
			c, err := noise.ParseColor(opts.Color)
			if err != nil {
				return err
			}
			v.SetColor(c)
		}
	case *opus.Decoder:
		if nd.VolumeChanged {
			v.SetVolumeDB(opts.VolumeDB)
		}
	}
	return nil
}

// Snapshot collects buffer, worker and decoder counters.
func (g *Graph) Snapshot() observe.Snapshot {
	var s observe.Snapshot
	for _, b := range g.Buffers() {
		st := b.Stats()
		s.Buffers = append(s.Buffers, observe.BufferSnapshot{
			Name:      b.Name(),
			UsedRatio: b.UsedRatio(),
			Pushes:    st.Pushes,
			Rejected:  st.Rejected,
			Hits:      st.Hits,
			Misses:    st.Misses,
			Evictions: st.Evictions,
		})
	}
	for _, name := range g.order {
		n := g.nodes[name]
		if w := workerOf(n); w != nil {
			st := w.Stats()
			s.Workers = append(s.Workers, observe.WorkerSnapshot{
				Node:       name,
				Cycles:     st.Cycles,
				Skipped:    st.Skipped,
				Incomplete: st.Incomplete,
			})
		}
		if d, ok := n.(*opus.Decoder); ok {
			st := d.Stats()
			s.Decoders = append(s.Decoders, observe.DecoderSnapshot{
				Node:         name,
				Packets:      st.Packets,
				Dropped:      st.Dropped,
				DecodeErrors: st.DecodeErrors,
				Frames:       st.Frames,
			})
		}
	}
	return s
}

func workerOf(n node.Node) *node.Worker {
	if w, ok := n.(interface{ Worker() *node.Worker }); ok {
		return w.Worker()
	}
	return nil
}

// NodeStatus is the /status view of one node.
type NodeStatus struct {
	Name      string       `json:"name"`
	Kind      string       `json:"kind"`
	State     string       `json:"state,omitempty"`
	UsedRatio *float64     `json:"used_ratio,omitempty"`
	Level     *meter.Level `json:"level,omitempty"`
	Decoder   *opus.Stats  `json:"decoder,omitempty"`
	Worker    *node.Stats  `json:"worker,omitempty"`
}

// Status returns per-node status in configuration order.
func (g *Graph) Status() []NodeStatus {
	out := make([]NodeStatus, 0, len(g.order))
	for _, name := range g.order {
		n := g.nodes[name]
		ns := NodeStatus{Name: name, Kind: string(g.kinds[name])}
		if w := workerOf(n); w != nil {
			st := w.Stats()
			ns.Worker = &st
			ns.State = w.State().String()
		}
		if p, ok := n.(node.Producer); ok {
			r := setRatio(p.Outputs())
			ns.UsedRatio = &r
		}
		if m, ok := n.(*meter.Meter); ok {
			if l, ok := m.Last(); ok {
				ns.Level = &l
			}
		}
		if d, ok := n.(*opus.Decoder); ok {
			st := d.Stats()
			ns.Decoder = &st
			ns.State = d.State().String()
		}
		out = append(out, ns)
	}
	return out
}

func setRatio(bufs []*ringbuf.Buffer) float64 {
	if len(bufs) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bufs {
		sum += b.UsedRatio()
	}
	return sum / float64(len(bufs))
}
