// Command patternctl is a small operator client for patternd.
//
//	patternctl [-server URL] arm|disarm|takeoff|land|rtl|emergency
//	patternctl pattern -shape star -size 6 -height 4 -speed 0.5
//	patternctl offboard start|stop
//	patternctl velocity VX VY VZ YAW_RATE
//	patternctl status|telemetry|logs|missions
//	patternctl [-grpc ADDR] watch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/skyloom/patternpilot/internal/httputil"
	"github.com/skyloom/patternpilot/internal/telemetry"
)

var errUsage = errors.New("usage: patternctl [-server URL] [-grpc ADDR] COMMAND [ARGS]")

func main() {
	fs := flag.NewFlagSet("patternctl", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8081", "patternd HTTP address")
	grpcAddr := fs.String("grpc", "localhost:50052", "patternd gRPC address, used by watch")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := fs.Args()
	if len(args) > 0 && args[0] == "watch" {
		if err := watch(ctx, *grpcAddr, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal(err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c := &client{base: *server, http: httputil.NewStandardClient(&http.Client{})}
	if err := c.run(ctx, args, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type client struct {
	base string
	http httputil.HTTPClient
}

var simpleCommands = map[string]string{
	"arm":       "/api/arm",
	"disarm":    "/api/disarm",
	"takeoff":   "/api/takeoff",
	"land":      "/api/land",
	"rtl":       "/api/rtl",
	"emergency": "/api/emergency",
}

var queries = map[string]string{
	"status":    "/api/status",
	"telemetry": "/api/telemetry",
	"logs":      "/api/logs",
	"missions":  "/api/missions",
	"patterns":  "/api/patterns",
}

// run executes one command and prints the JSON reply to out.
func (c *client) run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	var (
		method = http.MethodPost
		path   string
		body   any
	)
	switch {
	case simpleCommands[cmd] != "":
		path = simpleCommands[cmd]
	case queries[cmd] != "":
		method, path = http.MethodGet, queries[cmd]
	case cmd == "offboard":
		if len(rest) != 1 || (rest[0] != "start" && rest[0] != "stop") {
			return fmt.Errorf("usage: patternctl offboard start|stop")
		}
		path = "/api/offboard/" + rest[0]
	case cmd == "pattern":
		pfs := flag.NewFlagSet("pattern", flag.ContinueOnError)
		pfs.SetOutput(io.Discard)
		shape := pfs.String("shape", "square", "Pattern shape")
		size := pfs.Float64("size", 5, "Size in metres")
		height := pfs.Float64("height", 5, "Height above origin in metres")
		speed := pfs.Float64("speed", 0.5, "Speed factor")
		steps := pfs.Int("steps", 0, "Curve samples (0 for the shape default)")
		if err := pfs.Parse(rest); err != nil {
			return err
		}
		path = "/api/pattern"
		body = map[string]any{"shape": *shape, "size": *size, "height": *height, "speed": *speed, "steps": *steps}
	case cmd == "velocity":
		if len(rest) != 4 {
			return fmt.Errorf("usage: patternctl velocity VX VY VZ YAW_RATE")
		}
		var v [4]float64
		for i, s := range rest {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid velocity component %q: %w", s, err)
			}
			v[i] = f
		}
		path = "/api/velocity"
		body = map[string]float64{"vx": v[0], "vy": v[1], "vz": v[2], "yaw_rate": v[3]}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	var reply json.RawMessage
	if err := httputil.DoJSON(ctx, c.http, method, c.base+path, body, &reply); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

// watch prints every telemetry snapshot streamed over gRPC, one JSON object
// per line.
func watch(ctx context.Context, addr string, out io.Writer) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	return telemetry.NewClient(conn).Watch(ctx, func(s *structpb.Struct) error {
		b, err := protojson.Marshal(s)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	})
}
