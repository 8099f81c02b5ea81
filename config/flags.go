package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers one flag per tunable field, bound to c. Flag defaults
// are the current values of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Codec, "codec", c.Codec, "value codec (cbor, json)")
	fs.StringVar(&c.Compression.Algorithm, "compression", c.Compression.Algorithm, "frame compression (none, lz4, zstd)")
	fs.IntVar(&c.Compression.Threshold, "compression-threshold", c.Compression.Threshold, "smallest frame body worth compressing, in bytes")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "socket heartbeat interval, 0 disables")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "per-call timeout, 0 disables")
	fs.IntVar(&c.Pool.Size, "pool-size", c.Pool.Size, "number of pool workers")
	fs.StringVar(&c.Pool.Balancer, "balancer", c.Pool.Balancer, "idle worker selection (round-robin, weighted)")
	fs.Float64Var(&c.RateLimit.Rate, "rate-limit", c.RateLimit.Rate, "inbound calls per second, 0 disables")
	fs.IntVar(&c.RateLimit.Burst, "rate-burst", c.RateLimit.Burst, "rate limiter burst")
	fs.StringSliceVar(&c.Registry.Endpoints, "etcd", c.Registry.Endpoints, "etcd endpoints for discovery")
	fs.StringVar(&c.Registry.Service, "service", c.Registry.Service, "service name in the registry")
	fs.DurationVar(&c.Registry.TTL, "registry-ttl", c.Registry.TTL, "registry lease TTL")
	fs.StringVar(&c.Listen, "listen", c.Listen, "server listen address")
	fs.StringVar(&c.Advertise, "advertise", c.Advertise, "address published to the registry")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Development, "log-development", c.Log.Development, "human-readable development logging")
}

// ApplyFlags copies every flag set on fs onto c. It lets flags parsed before
// the config file was known override the file's values.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	target := pflag.NewFlagSet("config", pflag.ContinueOnError)
	c.BindFlags(target)

	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		dst := target.Lookup(f.Name)
		if dst == nil {
			return
		}
		if src, ok := f.Value.(pflag.SliceValue); ok {
			err = dst.Value.(pflag.SliceValue).Replace(src.GetSlice())
		} else {
			err = dst.Value.Set(f.Value.String())
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if err != nil {
		return err
	}
	return c.Validate()
}
