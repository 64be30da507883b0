package app

import (
	"fmt"

	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/pkg/audio/meter"
	"github.com/MrWong99/framesync/pkg/audio/mixer"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/audio/noise"
	"github.com/MrWong99/framesync/pkg/audio/opus"
)

// RegisterBuiltins registers the noise, mixer, meter and opus node kinds.
func RegisterBuiltins(reg *config.Registry) {
	reg.Register(config.KindNoise, newNoise)
	reg.Register(config.KindMixer, newMixer)
	reg.Register(config.KindMeter, newMeter)
	reg.Register(config.KindOpus, newOpus)
}

func newNoise(nc config.NodeConfig, env config.BuildEnv) (node.Node, error) {
	color, err := noise.ParseColor(nc.Options.Color)
	if err != nil {
		return nil, err
	}
	opts := []noise.Option{
		noise.WithColor(color),
		noise.WithVolumeDB(nc.Options.VolumeDB),
		noise.WithChannels(nc.OutputCount()),
		noise.WithFormat(env.BlockSize, env.SampleRate),
		noise.WithCapacity(env.Capacity),
		noise.WithLatencyOffset(nc.Offset(noise.DefaultLatencyOffset)),
		noise.WithPollInterval(nc.PollInterval),
		noise.WithLogger(env.Logger),
	}
	if nc.Options.Seed != 0 {
		opts = append(opts, noise.WithSeed(nc.Options.Seed))
	}
	return noise.New(nc.Name, env.Clock, opts...), nil
}

func newMixer(nc config.NodeConfig, env config.BuildEnv) (node.Node, error) {
	opts := []mixer.Option{
		mixer.WithCapacity(env.Capacity),
		mixer.WithLatencyOffset(nc.Offset(mixer.DefaultLatencyOffset)),
		mixer.WithPollInterval(nc.PollInterval),
		mixer.WithTolerance(nc.Tolerance),
		mixer.WithLogger(env.Logger),
	}
	if len(nc.Options.Matrix) > 0 {
		opts = append(opts, mixer.WithMatrix(mixer.Matrix(nc.Options.Matrix)))
	}
	return mixer.New(nc.Name, env.Clock, len(nc.Inputs), nc.OutputCount(), opts...)
}

func newMeter(nc config.NodeConfig, env config.BuildEnv) (node.Node, error) {
	return meter.New(nc.Name, env.Clock,
		meter.WithPollInterval(nc.PollInterval),
		meter.WithTolerance(nc.Tolerance),
		meter.WithLogger(env.Logger),
	), nil
}

func newOpus(nc config.NodeConfig, env config.BuildEnv) (node.Node, error) {
	rate := nc.Options.SampleRate
	if rate == 0 {
		rate = env.SampleRate
	}
	d, err := opus.New(nc.Name, env.Clock,
		opus.WithFormat(rate, nc.OutputCount()),
		opus.WithBlockSize(env.BlockSize*rate/max(env.SampleRate, 1)),
		opus.WithQueueSize(nc.Options.QueueSize),
		opus.WithVolumeDB(nc.Options.VolumeDB),
		opus.WithCapacity(env.Capacity),
		opus.WithLatencyOffset(nc.Offset(0)),
		opus.WithLogger(env.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opus node %q: %w", nc.Name, err)
	}
	return d, nil
}
