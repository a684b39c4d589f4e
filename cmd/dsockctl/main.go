// Command dsockctl composes and exercises an adapter stack from the
// command line: given a base transport and an ordered list of stage
// names, it builds the chain and sends one message through it, reporting
// byte counts and the attached stage list via the stats store. It exists
// to make the composition model tangible from a terminal rather than to
// be a production control plane.
//
// Grounded on cmd/omdient/main.go's cli.Command{Flags, Action} shape and
// its pkg/http/start.go-style logger bootstrap.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/momentics/hioload-dsock/control"
	"github.com/momentics/hioload-dsock/framer/crlf"
	"github.com/momentics/hioload-dsock/framer/pfx"
	"github.com/momentics/hioload-dsock/framer/ws"
	"github.com/momentics/hioload-dsock/handle"
	"github.com/momentics/hioload-dsock/iovec"
	"github.com/momentics/hioload-dsock/shaping/keepalive"
	"github.com/momentics/hioload-dsock/shaping/nagle"
	"github.com/momentics/hioload-dsock/shaping/throttle"
	"github.com/momentics/hioload-dsock/trace"
	"github.com/momentics/hioload-dsock/transport/tcp"
	"github.com/momentics/hioload-dsock/transport/unixsock"

	"github.com/momentics/hioload-dsock/compress/lz4"
	"github.com/momentics/hioload-dsock/crypt/nacl"
)

func main() {
	cmd := &cli.Command{
		Name:   "dsockctl",
		Usage:  "build and exercise a dsock adapter stack from the command line",
		Flags:  flags(),
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dsockctl: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "tcp", Usage: "dial a TCP base transport at host:port"},
		&cli.StringFlag{Name: "unix", Usage: "dial a Unix-domain base transport at path"},
		&cli.StringFlag{Name: "stack", Usage: "comma-separated stage list, e.g. pfx,keepalive,nacl,lz4", Value: "pfx"},
		&cli.StringFlag{Name: "message", Usage: "payload to send through the stack", Value: "hello from dsockctl"},
		&cli.DurationFlag{Name: "deadline", Usage: "per-operation deadline", Value: 5 * time.Second},
		&cli.DurationFlag{Name: "keepalive-send", Value: 2 * time.Second},
		&cli.DurationFlag{Name: "keepalive-recv", Value: 6 * time.Second},
		&cli.IntFlag{Name: "nagle-batch", Value: 4096},
		&cli.DurationFlag{Name: "nagle-interval", Value: 20 * time.Millisecond},
		&cli.UintFlag{Name: "throttle-send-bw", Usage: "send throughput in units/second, 0 disables"},
		&cli.DurationFlag{Name: "throttle-interval", Value: time.Second},
		&cli.StringFlag{Name: "nacl-key", Usage: "32-byte hex-encoded shared key"},
		&cli.BoolFlag{Name: "dev", Usage: "human-readable console logging instead of JSON"},
	}
}

func initLog(dev bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// stage builds one named stage atop prevID, returning the new head id and
// whether the head is now a Message (true) or Bytestream (false)
// capability.
func stage(reg *handle.Registry, name string, prevID handle.ID, prevIsMessage bool, cmd *cli.Command, logger zerolog.Logger, traceID string) (handle.ID, bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pfx":
		if prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "pfx: expects a bytestream, got a message head")
		}
		id, err := pfx.Start(reg, prevID)
		return id, true, err
	case "crlf":
		if prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "crlf: expects a bytestream, got a message head")
		}
		id, err := crlf.Start(reg, prevID)
		return id, true, err
	case "ws-client":
		if prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "ws-client: expects a bytestream, got a message head")
		}
		id, err := ws.Start(reg, prevID, ws.RoleClient)
		return id, true, err
	case "ws-server":
		if prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "ws-server: expects a bytestream, got a message head")
		}
		id, err := ws.Start(reg, prevID, ws.RoleServer)
		return id, true, err
	case "keepalive":
		if !prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "keepalive: expects a message head, got a bytestream")
		}
		id, err := keepalive.Start(reg, prevID, cmd.Duration("keepalive-send"), cmd.Duration("keepalive-recv"), []byte("\x00"))
		return id, true, err
	case "nagle":
		if prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "nagle: expects a bytestream, got a message head")
		}
		id, err := nagle.Start(reg, prevID, int(cmd.Int("nagle-batch")), cmd.Duration("nagle-interval"))
		return id, false, err
	case "throttle":
		bw := uint64(cmd.Uint("throttle-send-bw"))
		interval := cmd.Duration("throttle-interval")
		if prevIsMessage {
			id, err := throttle.StartMessage(reg, prevID, bw, interval, 0, interval)
			return id, true, err
		}
		id, err := throttle.StartByte(reg, prevID, bw, interval, 0, interval)
		return id, false, err
	case "nacl":
		if !prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "nacl: expects a message head, got a bytestream")
		}
		key, err := decodeKey(cmd.String("nacl-key"))
		if err != nil {
			return 0, false, err
		}
		id, err := nacl.Start(reg, prevID, key)
		return id, true, err
	case "lz4":
		if !prevIsMessage {
			return 0, false, handle.New(handle.CodeInvalidArgument, "lz4: expects a message head, got a bytestream")
		}
		id, err := lz4.Start(reg, prevID)
		return id, true, err
	case "trace":
		label := fmt.Sprintf("%s@%s", name, traceID)
		if prevIsMessage {
			id, err := trace.StartMessage(reg, prevID, logger, label)
			return id, true, err
		}
		id, err := trace.StartBytestream(reg, prevID, logger, label)
		return id, false, err
	default:
		return 0, false, handle.New(handle.CodeInvalidArgument, "dsockctl: unknown stage "+name)
	}
}

func decodeKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return make([]byte, 32), nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, handle.New(handle.CodeInvalidArgument, "dsockctl: nacl-key must be 32 bytes of hex")
	}
	return key, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := initLog(cmd.Bool("dev"))
	log.Logger = logger

	reg := handle.Default
	cfg := control.NewConfigStore()
	metrics := control.NewMetricsRegistry()
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	traceID := shortuuid.New()
	cfg.SetConfig(map[string]any{"trace_id": traceID, "stack": cmd.String("stack")})

	deadline := time.Now().Add(cmd.Duration("deadline"))

	var baseID handle.ID
	var err error
	switch {
	case cmd.String("tcp") != "":
		baseID, err = tcp.Dial(ctx, cmd.String("tcp"), deadline)
	case cmd.String("unix") != "":
		baseID, err = unixsock.Dial(ctx, cmd.String("unix"), deadline)
	default:
		a, b := unixsock.Pair()
		baseID = a
		defer reg.Close(b)
		logger.Info().Str("trace_id", traceID).Msg("no --tcp/--unix given, using an in-process unix pair as the base transport")
	}
	if err != nil {
		return err
	}

	headID := baseID
	isMessage := false
	attached := 0
	for _, name := range strings.Split(cmd.String("stack"), ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		newHeadID, newIsMessage, err := stage(reg, name, headID, isMessage, cmd, logger, traceID)
		if err != nil {
			_ = reg.Close(headID)
			return fmt.Errorf("stage %q: %w", name, err)
		}
		headID, isMessage = newHeadID, newIsMessage
		attached++
		logger.Debug().Str("trace_id", traceID).Str("stage", name).Msg("stage attached")
	}
	defer reg.Close(headID)
	probes.RegisterProbe("stages.attached", func() any { return attached })

	payload := []byte(cmd.String("message"))
	if isMessage {
		msg, ok := reg.Query(headID, handle.TagMessage)
		if !ok {
			return handle.ErrNotSupported
		}
		sock := msg.(handle.Message)
		if err := sock.Send(ctx, iovec.Of(payload), deadline); err != nil {
			return err
		}
	} else {
		bs, ok := reg.Query(headID, handle.TagBytestream)
		if !ok {
			return handle.ErrNotSupported
		}
		sock := bs.(handle.Bytestream)
		if err := sock.Send(ctx, iovec.Of(payload), deadline); err != nil {
			return err
		}
	}

	metrics.Set("sent_bytes", len(payload))
	metrics.Set("stages_attached", attached)
	for k, v := range cfg.GetSnapshot() {
		logger.Info().Str("trace_id", traceID).Interface(k, v).Msg("dsockctl config")
	}
	for k, v := range metrics.Stats() {
		logger.Info().Str("trace_id", traceID).Interface(k, v).Msg("dsockctl metric")
	}
	for k, v := range probes.DumpState() {
		logger.Debug().Str("trace_id", traceID).Interface(k, v).Msg("dsockctl probe")
	}
	return nil
}
