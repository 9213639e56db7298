// Command j1939ctl issues J1939 requests and monitors a J1939 network.
//
//	j1939ctl [-config file] request <pgn> [dest]
//	j1939ctl [-config file] monitor
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/notnil/j1939/canbus"
	"github.com/notnil/j1939/internal/config"
	"github.com/notnil/j1939/internal/logging"
	"github.com/notnil/j1939/internal/trace"
	"github.com/notnil/j1939/j1939"
	"github.com/notnil/j1939/request"
)

var errUsage = errors.New("usage: j1939ctl [-config file] [-interface kind] [-device name] [-frames] request <pgn> [dest] | monitor")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "j1939ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("j1939ctl", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "TOML configuration file")
	iface := fs.String("interface", "", "socketcan, slcan or loopback (overrides config)")
	device := fs.String("device", "", "CAN interface or serial device (overrides config)")
	frames := fs.Bool("frames", false, "log every CAN frame at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errUsage
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	if *iface != "" {
		cfg.Interface = *iface
	}
	if *device != "" {
		cfg.Device = *device
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.Runtime("j1939ctl", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}
	if *frames {
		bus = canbus.NewLoggedBus(bus, log, zerolog.DebugLevel, canbus.LogAll, canbus.ExtendedOnly())
	}

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, log)
	}

	tr := j1939.NewTransport(
		j1939.NewLink(bus, cfg.Address, j1939.WithLogger(log)),
		j1939.WithLogger(log),
		j1939.WithRegisterer(reg),
		j1939.WithMaxSessions(cfg.MaxSessions),
	)
	defer tr.Close()

	switch fs.Arg(0) {
	case "request":
		return runRequest(ctx, cfg, tr, reg, log, fs.Args()[1:])
	case "monitor":
		return runMonitor(ctx, tr)
	default:
		return errUsage
	}
}

func openBus(cfg config.Config) (canbus.Bus, error) {
	switch cfg.Interface {
	case config.InterfaceSocketCAN:
		if up, err := canbus.IsInterfaceUp(cfg.Device); err == nil && !up {
			if err := canbus.ConfigureBitrate(cfg.Device, cfg.Bitrate); err != nil {
				return nil, fmt.Errorf("bring up %s: %w", cfg.Device, err)
			}
		}
		return canbus.DialSocketCAN(cfg.Device)
	case config.InterfaceSLCAN:
		return canbus.DialSLCAN(cfg.Device, cfg.SerialBaud, cfg.Bitrate)
	default:
		return canbus.NewLoopbackBus().Open(), nil
	}
}

func runRequest(ctx context.Context, cfg config.Config, bus j1939.Bus, reg prometheus.Registerer, log zerolog.Logger, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	pgn, err := strconv.ParseUint(args[0], 0, 18)
	if err != nil {
		return fmt.Errorf("pgn %q: %w", args[0], err)
	}
	dest := uint64(j1939.GlobalAddress)
	if len(args) == 2 {
		if dest, err = strconv.ParseUint(args[1], 0, 8); err != nil {
			return fmt.Errorf("destination %q: %w", args[1], err)
		}
	}

	listener := request.ListenerFunc(func(line string) { fmt.Println(line) })
	var out request.Listener = listener
	if cfg.TraceFile != "" {
		rec, err := trace.Create(cfg.TraceFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error().Err(err).Str("file", cfg.TraceFile).Msg("trace write failed")
			}
		}()
		out = request.Tee(listener, rec)
	}

	client := request.NewClient(bus, request.Env{
		Now:      time.Now,
		Metrics:  request.NewMetrics(reg),
		Listener: out,
	},
		request.WithLogger(log),
		request.WithGlobalTimeout(cfg.GlobalTimeout),
		request.WithDSTimeout(cfg.DSTimeout),
	)

	var res request.Result
	if uint8(dest) == j1939.GlobalAddress {
		res = client.Global(ctx, uint32(pgn))
	} else {
		res = client.DS(ctx, uint32(pgn), uint8(dest))
	}

	fmt.Printf("\n%d response(s), retried: %v\n", len(res.Responses), res.Retried)
	for _, r := range res.Responses {
		fmt.Println(r)
	}
	return nil
}

func runMonitor(ctx context.Context, bus j1939.Bus) error {
	decoder := j1939.NewDecoder()
	stream := bus.Read(0)
	defer stream.Close()
	for {
		p, ok := stream.Next(ctx)
		if !ok {
			return nil
		}
		if err := p.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("%s %08X transport failed: %v\n", p.Timestamp().Format(request.TimeFormat), p.ID().CANID(), err)
			continue
		}
		fmt.Printf("%s %s\n", p.Timestamp().Format(request.TimeFormat), p)
		fmt.Printf("    %s\n", decoder.Decode(p))
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
