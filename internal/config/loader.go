package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes YAML from r, applies defaults and validates the
// result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Clock.FrameRate == 0 {
		if cfg.Clock.BlockSize == 0 {
			cfg.Clock.BlockSize = DefaultBlockSize
		}
		if cfg.Clock.SampleRate == 0 {
			cfg.Clock.SampleRate = DefaultSampleRate
		}
	}
	if cfg.Buffers.Capacity == 0 {
		cfg.Buffers.Capacity = DefaultCapacity
	}
	if cfg.Monitor.QueueSize == 0 {
		cfg.Monitor.QueueSize = DefaultQueueSize
	}
	for i := range cfg.Nodes {
		if cfg.Nodes[i].PollInterval == 0 {
			cfg.Nodes[i].PollInterval = DefaultPollInterval
		}
	}
}

// Validate checks cfg for consistency and returns every problem found, joined
// with [errors.Join].
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid (want debug, info, warn or error)", cfg.Server.LogLevel))
	}
	if cfg.Clock.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("clock.frame_rate must not be negative, got %v", cfg.Clock.FrameRate))
	} else if cfg.Clock.Rate() <= 0 {
		errs = append(errs, errors.New("clock: frame_rate or block_size and sample_rate must be positive"))
	}
	if cfg.Buffers.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("buffers.capacity must be positive, got %d", cfg.Buffers.Capacity))
	}
	if cfg.Monitor.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("monitor.queue_size must not be negative, got %d", cfg.Monitor.QueueSize))
	}

	byName := make(map[string]NodeConfig, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if _, dup := byName[n.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate node name %q", prefix, n.Name))
		} else {
			byName[n.Name] = n
		}
		if !n.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s: kind %q is invalid (want noise, mixer, meter or opus)", prefix, n.Kind))
		}
		if n.LatencyOffset != nil && *n.LatencyOffset < 0 {
			errs = append(errs, fmt.Errorf("%s: latency_offset must not be negative, got %d", prefix, *n.LatencyOffset))
		}
		if n.Tolerance < 0 {
			errs = append(errs, fmt.Errorf("%s: tolerance must not be negative, got %d", prefix, n.Tolerance))
		}
		if n.PollInterval < 0 {
			errs = append(errs, fmt.Errorf("%s: poll_interval must not be negative", prefix))
		}
		if n.Outputs < 0 {
			errs = append(errs, fmt.Errorf("%s: outputs must not be negative", prefix))
		}
		errs = append(errs, validateKind(prefix, n)...)
	}

	// Inputs are resolved once every name is known.
	for i, n := range cfg.Nodes {
		for _, in := range n.Inputs {
			ref, err := ParseInputRef(in)
			if err != nil {
				errs = append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
				continue
			}
			src, ok := byName[ref.Node]
			if !ok {
				errs = append(errs, fmt.Errorf("nodes[%d]: input %q: %w", i, in, ErrUnknownNode))
				continue
			}
			if ref.Port >= src.OutputCount() {
				errs = append(errs, fmt.Errorf("nodes[%d]: input %q: node %q has %d outputs", i, in, ref.Node, src.OutputCount()))
			}
			if ref.Node == n.Name {
				slog.Warn("config: node reads its own output", "node", n.Name, "input", in)
			}
		}
	}

	return errors.Join(errs...)
}

func validateKind(prefix string, n NodeConfig) []error {
	var errs []error
	switch n.Kind {
	case KindNoise:
		if len(n.Inputs) > 0 {
			errs = append(errs, fmt.Errorf("%s: noise nodes take no inputs", prefix))
		}
		if n.Options.Color != "" && n.Options.Color != "white" && n.Options.Color != "pink" {
			errs = append(errs, fmt.Errorf("%s: options.color %q is invalid (want white or pink)", prefix, n.Options.Color))
		}
	case KindOpus:
		if len(n.Inputs) > 0 {
			errs = append(errs, fmt.Errorf("%s: opus nodes take no inputs", prefix))
		}
		if n.OutputCount() > 2 {
			errs = append(errs, fmt.Errorf("%s: opus supports at most 2 outputs, got %d", prefix, n.OutputCount()))
		}
		if n.Options.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("%s: options.queue_size must not be negative", prefix))
		}
	case KindMeter:
		if len(n.Inputs) != 1 {
			errs = append(errs, fmt.Errorf("%s: meter nodes take exactly 1 input, got %d", prefix, len(n.Inputs)))
		}
		if n.Outputs != 0 {
			errs = append(errs, fmt.Errorf("%s: meter nodes have no outputs", prefix))
		}
	case KindMixer:
		if len(n.Inputs) == 0 {
			errs = append(errs, fmt.Errorf("%s: mixer needs at least 1 input", prefix))
		}
		if m := n.Options.Matrix; len(m) > 0 {
			if len(m) != len(n.Inputs) {
				errs = append(errs, fmt.Errorf("%s: options.matrix has %d rows, want %d", prefix, len(m), len(n.Inputs)))
			}
			for r, row := range m {
				if len(row) != n.OutputCount() {
					errs = append(errs, fmt.Errorf("%s: options.matrix[%d] has %d columns, want %d", prefix, r, len(row), n.OutputCount()))
				}
			}
		}
	}
	return errs
}
