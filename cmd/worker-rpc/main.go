// Command worker-rpc runs a worker server or calls one.
//
//	worker-rpc serve [flags]
//	worker-rpc call [flags] <method> [json-arg...]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"worker-rpc/client"
	"worker-rpc/codec"
	"worker-rpc/config"
	"worker-rpc/loadbalance"
	"worker-rpc/middleware"
	"worker-rpc/port"
	"worker-rpc/registry"
	"worker-rpc/server"
	"worker-rpc/transfer"
	"worker-rpc/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "serve":
		return serve(args[1:])
	case "call":
		return call(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `worker-rpc: marshal calls, buffers, streams and callbacks across workers.

Usage:
  worker-rpc serve [flags]                     serve the built-in methods
  worker-rpc call [flags] <method> [arg...]    call a method; args are JSON

Run "worker-rpc <command> --help" for flags. A YAML config file can be
given with --config or the WORKER_RPC_CONFIG environment variable.
`)
}

// setup parses flags over the config file and installs the logger in every
// package that logs.
func setup(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, *pflag.FlagSet, *zap.Logger, error) {
	var path string
	flags := config.Default()
	fs := pflag.NewFlagSet("worker-rpc "+name, pflag.ContinueOnError)
	fs.StringVar(&path, "config", os.Getenv(config.EnvConfig), "YAML config file")
	flags.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		return nil, nil, nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, nil, err
	}
	port.SetLogger(logger.Named("port"))
	transfer.SetLogger(logger.Named("transfer"))
	transport.SetLogger(logger.Named("transport"))
	middleware.SetLogger(logger.Named("middleware"))
	registry.SetLogger(logger.Named("registry"))
	server.SetLogger(logger.Named("server"))
	client.SetLogger(logger.Named("client"))
	return cfg, fs, logger, nil
}

func openRegistry(cfg *config.Config) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
}

func channelOptions(cfg *config.Config, logger *zap.Logger) []transport.Option {
	return []transport.Option{
		transport.WithCodec(codec.GetCodec(cfg.CodecType())),
		transport.WithLogger(logger),
	}
}

func serve(args []string) error {
	cfg, _, logger, err := setup("serve", args, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	opts := []server.Option{
		server.WithLogger(logger.Named("server")),
		server.WithConnOptions(cfg.ConnOptions()),
		server.WithChannelOptions(channelOptions(cfg, logger.Named("channel"))...),
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.Service, cfg.Advertise, cfg.Registry.TTL))
	}

	s := server.NewServer(opts...)
	s.Use(middleware.TracingMiddleware(middleware.TracingConfig{ServiceName: cfg.Registry.Service}))
	s.Use(middleware.LoggingMiddleware(logger.Named("calls")))
	if cfg.RateLimit.Rate > 0 {
		s.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.RequestTimeout > 0 {
		s.Use(middleware.TimeOutMiddleware(cfg.RequestTimeout))
	}
	if err := s.Register(&Builtin{}); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Serve("tcp", cfg.Listen) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case got := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", got))
	}
	if err := s.Shutdown(10 * time.Second); err != nil {
		return err
	}
	return <-errc
}

func call(args []string) error {
	var addr string
	cfg, fs, logger, err := setup("call", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&addr, "addr", "", "worker address; the registry is used when empty")
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("call: missing method")
	}
	method := rest[0]
	params := make([]any, 0, len(rest)-1)
	for i, raw := range rest[1:] {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// Bare words are strings.
			v = raw
		}
		params = append(params, v)
		logger.Debug("argument", zap.Int("index", i), zap.Any("value", v))
	}

	conn := cfg.ConnOptions()
	chOpts := channelOptions(cfg, logger.Named("channel"))
	var factory client.Factory
	if addr != "" {
		factory = client.Dial("tcp", addr, conn, chOpts...)
	} else {
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		if reg == nil {
			return errors.New("call: need --addr or registry endpoints")
		}
		defer reg.Close()
		factory = client.Discover(reg, cfg.Registry.Service, loadbalance.New(cfg.Pool.Balancer), conn, chOpts...)
	}

	ctx := context.Background()
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	pool, err := client.New(ctx, 1, factory, client.WithLogger(logger.Named("pool")))
	if err != nil {
		return err
	}
	defer pool.Terminate()

	result, err := pool.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	return printResult(result)
}

func printResult(v any) error {
	switch r := v.(type) {
	case []byte:
		_, err := os.Stdout.Write(r)
		return err
	case *transfer.Proxy:
		fmt.Println(r)
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return nil
	}
	fmt.Println(string(out))
	return nil
}
