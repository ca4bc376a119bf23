// Command patternd drives one PX4 vehicle through pre-computed flight
// patterns and serves the operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"golang.org/x/sync/errgroup"

	"github.com/skyloom/patternpilot/internal/api"
	"github.com/skyloom/patternpilot/internal/config"
	"github.com/skyloom/patternpilot/internal/db"
	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/telemetry"
	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
	"github.com/skyloom/patternpilot/internal/vehicle/mavlink"
	"github.com/skyloom/patternpilot/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to flight config JSON (defaults apply when empty)")
	devMode     = flag.Bool("dev", false, "Run against the built-in simulator regardless of -link")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address (overrides config)")
	linkKind    = flag.String("link", "", "Vehicle link: sim, udp or serial (overrides config)")
	dbPath      = flag.String("db", "", "Mission database path (overrides config)")
	logFile     = flag.String("log-file", "", "Also write logs to this rotated file (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if path := cfg.GetLogFile(); path != "" {
		closer, err := monitoring.SetOutputFile(path)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer closer.Close()
	}
	log.Printf("patternd %s starting (link=%s)", version.String(), cfg.GetLink())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link, runLink, closeLink, err := openLink(cfg)
	if err != nil {
		log.Fatalf("failed to open vehicle link: %v", err)
	}
	defer closeLink()

	missions, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer missions.Close()

	offboardCfg := cfg.OffboardConfig()
	cache := trajectory.NewCache(cfg.GetTrajectoryCacheSize(), 0)
	ctrl := flight.NewController(link, flight.Options{
		Offboard:       offboardCfg,
		LogCapacity:    cfg.GetLogCapacity(),
		CommandTimeout: cfg.GetCommandTimeout(),
		Cache:          cache,
		Recorder:       missions,
	})
	defer ctrl.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := runLink(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		mux := api.NewServer(ctrl, cache, missions, offboardCfg.Period).ServeMux()
		if err := missions.AttachAdminRoutes(mux); err != nil {
			return err
		}
		return serveHTTP(ctx, cfg.GetListen(), api.LoggingMiddleware(mux))
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GetGRPCListen())
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		return telemetry.Serve(ctx, telemetry.NewGRPCServer(ctrl), lis)
	})

	if err := g.Wait(); err != nil {
		log.Printf("shutting down: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads -config when given and applies the command-line overrides.
func loadConfig() (*config.FlightConfig, error) {
	cfg := config.EmptyFlightConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFlightConfig(*configPath); err != nil {
			return nil, err
		}
	}

	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.Listen, *listen)
	override(&cfg.GRPCListen, *grpcListen)
	override(&cfg.Link, *linkKind)
	override(&cfg.DBPath, *dbPath)
	override(&cfg.LogFile, *logFile)
	if *devMode {
		sim := config.LinkSim
		cfg.Link = &sim
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openLink builds the configured vehicle link. run processes its traffic
// until ctx ends; closeLink releases it.
func openLink(cfg *config.FlightConfig) (link vehicle.Link, run func(context.Context) error, closeLink func(), err error) {
	switch cfg.GetLink() {
	case config.LinkSim:
		sim := vehicle.NewSimLink(nil)
		return sim, sim.Run, func() {}, nil

	case config.LinkUDP, config.LinkSerial:
		var endpoint gomavlib.EndpointConf
		if cfg.GetLink() == config.LinkUDP {
			endpoint = gomavlib.EndpointUDPServer{Address: cfg.GetUDPAddress()}
		} else {
			endpoint, err = mavlink.SerialEndpoint(cfg.GetSerialPort(), cfg.GetSerial())
			if err != nil {
				return nil, nil, nil, err
			}
		}
		ml, err := mavlink.Dial(mavlink.Config{
			Endpoints:       []gomavlib.EndpointConf{endpoint},
			SystemID:        byte(cfg.GetSystemID()),
			CommandTimeout:  cfg.GetCommandTimeout(),
			TakeoffAltitude: cfg.GetTakeoffAltitude(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return ml, ml.Run, ml.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown link %q", cfg.GetLink())
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}
