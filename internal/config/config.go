// Package config provides the configuration schema, loader, node registry and
// hot-reload watcher for the framesync daemon.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the framesync daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NodeKind selects the implementation of a graph node.
type NodeKind string

const (
	// KindNoise is a white/pink noise producer.
	KindNoise NodeKind = "noise"

	// KindMixer is an N×M matrix mixer.
	KindMixer NodeKind = "mixer"

	// KindMeter is a level-meter consumer.
	KindMeter NodeKind = "meter"

	// KindOpus decodes Opus packets into per-channel buffers.
	KindOpus NodeKind = "opus"
)

// IsValid reports whether k is a built-in node kind.
func (k NodeKind) IsValid() bool {
	switch k {
	case KindNoise, KindMixer, KindMeter, KindOpus:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":9090"
	DefaultBlockSize    = 2048
	DefaultSampleRate   = 48000
	DefaultCapacity     = 16
	DefaultQueueSize    = 64
	DefaultPollInterval = 15 * time.Millisecond
	DefaultChannels     = 2
)

// Config is the root configuration structure for framesync.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Clock   ClockConfig   `yaml:"clock"`
	Buffers BufferConfig  `yaml:"buffers"`
	Monitor MonitorConfig `yaml:"monitor"`
	Nodes   []NodeConfig  `yaml:"nodes"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP surface (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ClockConfig sets the frame clock rate. An explicit FrameRate wins; when it
// is zero the rate is derived as SampleRate / BlockSize.
type ClockConfig struct {
	FrameRate  float64 `yaml:"frame_rate"`
	BlockSize  int     `yaml:"block_size"`
	SampleRate int     `yaml:"sample_rate"`
}

// Rate returns the effective frame rate in frames per second, or 0 when it
// cannot be determined.
func (c ClockConfig) Rate() float64 {
	if c.FrameRate > 0 {
		return c.FrameRate
	}
	if c.BlockSize > 0 && c.SampleRate > 0 {
		return float64(c.SampleRate) / float64(c.BlockSize)
	}
	return 0
}

// BufferConfig sets ring buffer sizing.
type BufferConfig struct {
	// Capacity is the slot count of every node output buffer.
	Capacity int `yaml:"capacity"`
}

// MonitorConfig controls the WebSocket telemetry stream.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// QueueSize is the per-client event queue length. Events for a client
	// whose queue is full are dropped.
	QueueSize int `yaml:"queue_size"`
}

// NodeConfig describes one node of the audio graph.
type NodeConfig struct {
	Name string   `yaml:"name"`
	Kind NodeKind `yaml:"kind"`

	// LatencyOffset is added to the timestamps of outgoing frames. When nil
	// the kind's default is used.
	LatencyOffset *int64 `yaml:"latency_offset"`

	// PollInterval is the consumer timer period (e.g., "15ms").
	PollInterval time.Duration `yaml:"poll_interval"`

	// Tolerance is how many frame counts an input frame may lag the count
	// being processed and still be used (mixer, meter). Zero means exact.
	Tolerance int64 `yaml:"tolerance"`

	// Inputs lists upstream outputs as "node:port" references, one per input
	// port. A reference without ":port" means port 0.
	Inputs []string `yaml:"inputs"`

	// Outputs is the number of output channels for kinds that produce audio.
	// Zero selects the kind's default.
	Outputs int `yaml:"outputs"`

	Options NodeOptions `yaml:"options"`
}

// NodeOptions holds kind-specific settings. Fields irrelevant to a kind are
// ignored.
type NodeOptions struct {
	// Color is "white" or "pink" (noise).
	Color string `yaml:"color"`

	// VolumeDB is the output gain in dB (noise, opus).
	VolumeDB float64 `yaml:"volume_db"`

	// Matrix is the [input][output] gain matrix (mixer). Empty means identity.
	Matrix [][]float64 `yaml:"matrix"`

	// SampleRate overrides the clock sample rate (opus).
	SampleRate int `yaml:"sample_rate"`

	// QueueSize is the packet queue length (opus).
	QueueSize int `yaml:"queue_size"`

	// Seed makes generated noise reproducible (noise). Zero means random.
	Seed uint64 `yaml:"seed"`
}

// OutputCount returns the number of output ports the node exposes.
func (n NodeConfig) OutputCount() int {
	switch n.Kind {
	case KindMeter:
		return 0
	case KindNoise, KindOpus, KindMixer:
		if n.Outputs > 0 {
			return n.Outputs
		}
		return DefaultChannels
	}
	return 0
}

// Offset returns the configured latency offset or def when unset.
func (n NodeConfig) Offset(def int64) int64 {
	if n.LatencyOffset != nil {
		return *n.LatencyOffset
	}
	return def
}

// InputRef addresses one output port of another node.
type InputRef struct {
	Node string
	Port int
}

// String returns the "node:port" form.
func (r InputRef) String() string {
	return r.Node + ":" + strconv.Itoa(r.Port)
}

// ParseInputRef parses "node" or "node:port".
func ParseInputRef(s string) (InputRef, error) {
	name, port, found := strings.Cut(s, ":")
	if name == "" {
		return InputRef{}, fmt.Errorf("config: input %q: missing node name", s)
	}
	if !found {
		return InputRef{Node: name}, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 {
		return InputRef{}, fmt.Errorf("config: input %q: invalid port", s)
	}
	return InputRef{Node: name, Port: p}, nil
}
