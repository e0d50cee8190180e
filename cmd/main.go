package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/lkarlslund/netfs"
	"github.com/lkarlslund/netfs/filesystem"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	// server settings
	pflag.String("bind", netfs.DefaultConfig().Bind, "Address to bind (server) or connect to (client)")
	pflag.String("directory", ".", "Directory served as file://")
	pflag.Bool("readonly", false, "Refuse WRITE_FILE requests")
	pflag.StringSlice("exclude", nil, "Doublestar patterns hidden from LIST and WALK")
	pflag.StringToString("mount", nil, "Extra protocols served from directories (name=directory)")
	pflag.StringSlice("watch", nil, "Paths whose changes are logged (name://path or plain path)")
	pflag.Int("backlog", netfs.DefaultConfig().Backlog, "Listen backlog")
	pflag.Uint64("maxpath", netfs.DefaultConfig().MaxPathLength, "Longest accepted path chunk in bytes")
	pflag.Uint64("maxfile", netfs.DefaultConfig().MaxFileSize, "Largest accepted WRITE_FILE content in bytes")
	configfile := pflag.String("config", "", "Configuration file (yaml), watched for new mounts")

	// client settings
	output := pflag.String("output", "json", "Client output format (json, msgpack)")
	timeout := pflag.Duration("timeout", 30*time.Second, "Client request timeout")

	// debugging etc
	pflag.String("loglevel", "info", "Log level")
	pflag.Int("statsinterval", 0, "Show transfer stats every N seconds, 0 to disable")
	cpuprofile := pflag.String("cpuprofile", "", "Write cpu profile to file")

	pflag.Parse()

	v := viper.New()
	netfs.SetDefaults(v)
	v.SetEnvPrefix("NETFS")
	v.AutomaticEnv()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		netfs.Logger.Fatal().Msgf("Error binding flags: %v", err)
	}
	if err := v.BindPFlag("mounts", pflag.Lookup("mount")); err != nil {
		netfs.Logger.Fatal().Msgf("Error binding flags: %v", err)
	}
	if *configfile != "" {
		v.SetConfigFile(*configfile)
		if err := v.ReadInConfig(); err != nil {
			netfs.Logger.Fatal().Msgf("Error reading %v: %v", *configfile, err)
		}
	}

	config, err := netfs.LoadConfig(v)
	if err != nil {
		netfs.Logger.Fatal().Msgf("%v", err)
	}

	var zll zerolog.Level
	switch config.LogLevel {
	case "trace":
		zll = zerolog.TraceLevel
	case "debug":
		zll = zerolog.DebugLevel
	case "info":
		zll = zerolog.InfoLevel
	case "warn":
		zll = zerolog.WarnLevel
	case "error":
		zll = zerolog.ErrorLevel
	default:
		netfs.Logger.Fatal().Msgf("Invalid log level: %v", config.LogLevel)
	}
	netfs.Logger = netfs.Logger.Level(zll)
	filesystem.Logger = filesystem.Logger.Level(zll)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			netfs.Logger.Fatal().Msgf("Can't create profile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			netfs.Logger.Fatal().Msgf("Can't start profiling: %v", err)
		}
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	if len(pflag.Args()) == 0 {
		netfs.Logger.Fatal().Msg("Need command argument (server, walk, list, stat, get, put)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := strings.ToLower(pflag.Arg(0))
	if command == "server" {
		if err := serve(ctx, v, config); err != nil {
			netfs.Logger.Error().Msgf("Server stopped: %v", err)
		}
		return
	}

	client := netfs.NewClient(config.Bind)
	client.Timeout = *timeout
	if err := runClient(client, command, pflag.Args()[1:], *output); err != nil {
		netfs.Logger.Error().Msgf("%v failed: %v", command, err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, v *viper.Viper, config netfs.Config) error {
	registry, err := netfs.OpenRegistry(config)
	if err != nil {
		return err
	}
	defer registry.Close()

	server, err := netfs.NewServer(config, registry)
	if err != nil {
		return err
	}
	defer server.Close()

	for _, path := range config.Watch {
		if err := server.Watch(path, logChange); err != nil {
			netfs.Logger.Warn().Msgf("Watch on %v not active yet: %v", path, err)
		}
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			addMounts(v, server, registry)
		})
		v.WatchConfig()
	}

	if config.StatsInterval > 0 {
		go logStats(ctx, server, time.Duration(config.StatsInterval)*time.Second)
	}

	netfs.Logger.Info().Msgf("Serving %v", config.Directory)
	return server.Run(ctx)
}

func logChange(info filesystem.NotifyInfo) {
	netfs.Logger.Info().Msgf("File %v %v", info.Path, info.Type)
}

// addMounts serves mounts that appeared in the configuration file since
// startup. Removed or changed mounts keep being served until restart.
func addMounts(v *viper.Viper, server *netfs.Server, registry *filesystem.Registry) {
	config, err := netfs.LoadConfig(v)
	if err != nil {
		netfs.Logger.Warn().Msgf("Ignoring configuration change: %v", err)
		return
	}
	existing := registry.Backends()
	for protocol, directory := range config.Mounts {
		if _, found := existing[protocol]; found {
			continue
		}
		backend, err := netfs.OpenMount(config, directory)
		if err != nil {
			netfs.Logger.Warn().Msgf("Error mounting %v at %v: %v", directory, protocol, err)
			continue
		}
		if err := server.AddBackend(protocol, backend); err != nil {
			backend.Close()
			netfs.Logger.Warn().Msgf("Error adding %v: %v", protocol, err)
		}
	}
}

func logStats(ctx context.Context, server *netfs.Server, interval time.Duration) {
	var totalhistory netfs.PerformanceEntry
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seconds := uint64(interval / time.Second)
	for {
		select {
		case <-ctx.Done():
			netfs.Logger.Info().Msgf("Served %v connections, %v requests, sent %v, received %v",
				totalhistory.Get(netfs.ConnectionsAccepted),
				totalhistory.Get(netfs.RequestsCompleted),
				humanize.Bytes(totalhistory.Get(netfs.SentOverWire)),
				humanize.Bytes(totalhistory.Get(netfs.ReceivedOverWire)))
			return
		case <-ticker.C:
		}
		lasthistory := server.Perf.NextHistory()
		totalhistory = totalhistory.Add(lasthistory)
		netfs.Logger.Info().Msgf("Wired %v/sec out, %v/sec in, %v connections/sec, %v files read, %v files written, %v protocol errors, %v backend errors, %v notification polls",
			humanize.Bytes(lasthistory.Get(netfs.SentOverWire)/seconds),
			humanize.Bytes(lasthistory.Get(netfs.ReceivedOverWire)/seconds),
			lasthistory.Get(netfs.ConnectionsAccepted)/seconds,
			lasthistory.Get(netfs.FilesRead),
			lasthistory.Get(netfs.FilesWritten),
			lasthistory.Get(netfs.ProtocolErrors),
			lasthistory.Get(netfs.BackendErrors),
			lasthistory.Get(netfs.NotificationsPolled))
	}
}

func runClient(client *netfs.Client, command string, args []string, format string) error {
	out, err := newPrinter(os.Stdout, format)
	if err != nil {
		return err
	}
	switch command {
	case "walk", "list":
		if len(args) != 1 {
			return fmt.Errorf("usage: %v <path>", command)
		}
		var entries []filesystem.Entry
		if command == "walk" {
			entries, err = client.Walk(args[0])
		} else {
			entries, err = client.List(args[0])
		}
		if err != nil {
			return err
		}
		return out.entries(entries)
	case "stat":
		if len(args) != 1 {
			return fmt.Errorf("usage: stat <path>")
		}
		st, err := client.Stat(args[0])
		if err != nil {
			return err
		}
		return out.stat(args[0], st)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <remote> <local>")
		}
		return get(client, args[0], args[1])
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("usage: put <local> <remote>")
		}
		return put(client, args[0], args[1])
	}
	return fmt.Errorf("invalid command: %v", command)
}

func get(client *netfs.Client, remote, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	digest := xxhash.New()
	size, err := client.ReadFileTo(remote, io.MultiWriter(f, digest))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	netfs.Logger.Info().Msgf("Fetched %v (%v) to %v, xxhash %016x", remote, humanize.Bytes(size), local, digest.Sum64())
	return nil
}

func put(client *netfs.Client, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	digest := xxhash.New()
	size, err := client.WriteFileFrom(remote, io.TeeReader(f, digest), uint64(info.Size()))
	if err != nil {
		return err
	}
	netfs.Logger.Info().Msgf("Stored %v (%v) as %v, xxhash %016x", local, humanize.Bytes(size), remote, digest.Sum64())
	return nil
}
