// ccclient is a demo/integration CLI for the command channel client library.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/nominum/ccchannel/internal/channel"
	"github.com/nominum/ccchannel/internal/config"
	"github.com/nominum/ccchannel/internal/connchan"
	"github.com/nominum/ccchannel/internal/logging"
	"github.com/nominum/ccchannel/internal/message"
	"github.com/nominum/ccchannel/internal/session"
	"github.com/nominum/ccchannel/internal/trace"
	"github.com/nominum/ccchannel/internal/wire"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const defaultLogLevel = "info"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "dial":
		runDial(args)
	case "serve":
		runServe(args)
	case "version", "--version", "-v":
		fmt.Printf("ccclient %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ccclient - command channel demo client

Usage:
  ccclient <command> [flags]

Commands:
  dial     Connect to a channel and send one request
  serve    Listen for a connection and answer demo requests
  version  Print version information

Flags for dial:
  --channel   Channel literal address[#port[#secret]] (required unless saved)
  --type      Request type to send (default: ping)
  --log       Log level: error|warn|info|debug|trace (default: info)
  --trace     Write JSON Line protocol traces to: stdout, stderr, or a file path
  --timeout   Seconds to wait for the reply (default: 10)

Flags for serve:
  --port      TCP port to listen on (required)
  --secret    Shared secret for authentication/encryption (optional)
  --log       Log level: error|warn|info|debug|trace (default: info)
  --trace     Write JSON Line protocol traces to: stdout, stderr, or a file path

Examples:
  ccclient serve --port 6000 --secret s3cret
  ccclient dial --channel 127.0.0.1#6000#s3cret --type ping
`)
}

func runDial(args []string) {
	fs := flag.NewFlagSet("dial", flag.ExitOnError)
	channelLit := fs.String("channel", "", "Channel literal address[#port[#secret]]")
	reqType := fs.String("type", "ping", "Request type to send")
	logLevel := fs.String("log", defaultLogLevel, "Log level: error|warn|info|debug|trace")
	traceOutput := fs.String("trace", "", "Write JSON Line protocol traces to: stdout, stderr, or a file path")
	timeout := fs.Uint("timeout", 10, "Seconds to wait for the reply")
	fs.Parse(args)

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	cfg, err := config.Load()
	if err != nil {
		logger.Warn("failed to load config: %v", err)
		cfg = &config.Config{}
	}

	literal := *channelLit
	if literal == "" {
		literal = cfg.LastChannel
	}
	if literal == "" {
		fmt.Fprintln(os.Stderr, "Error: --channel is required (no saved channel to fall back on)")
		os.Exit(1)
	}

	var resolver channel.Resolver = channel.LiteralResolver{}
	spec, err := resolver.Resolve(literal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid channel literal: %v\n", err)
		os.Exit(1)
	}

	tracer, err := createTracer(*traceOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating tracer: %v\n", err)
		os.Exit(1)
	}
	defer tracer.Close()

	conn, err := net.DialTimeout("tcp", spec.AddrPort.DialAddr(), 5*time.Second)
	if err != nil {
		logger.Error("dial failed: %v", err)
		os.Exit(1)
	}

	cc, err := connchan.New(conn, spec.Secret, true,
		connchan.WithLogger(logger),
		connchan.WithTracer(tracer),
	)
	if err != nil {
		logger.Error("handshake failed: %v", err)
		os.Exit(1)
	}
	logger.Info("connected to %s (encrypted=%v compressed=%v)", cc.RemoteAddr(), cc.Encrypted(), cc.Compressed())

	sess := session.New(cc, session.WithLogger(logger))
	defer sess.Close(time.Second)

	response, err := sess.Tell(*reqType, time.Duration(*timeout)*time.Second, true, false)
	if err != nil {
		logger.Error("request failed: %v", err)
		os.Exit(1)
	}

	cfg.LastChannel = literal
	if err := cfg.Save(); err != nil {
		logger.Warn("failed to save config: %v", err)
	}

	printTable(response)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Uint("port", 0, "TCP port to listen on (required)")
	secret := fs.String("secret", "", "Shared secret for authentication/encryption")
	logLevel := fs.String("log", defaultLogLevel, "Log level: error|warn|info|debug|trace")
	traceOutput := fs.String("trace", "", "Write JSON Line protocol traces to: stdout, stderr, or a file path")
	fs.Parse(args)

	if *port == 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "Error: --port must be between 1 and 65535")
		os.Exit(1)
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	tracer, err := createTracer(*traceOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating tracer: %v\n", err)
		os.Exit(1)
	}
	defer tracer.Close()

	var secretBytes []byte
	if *secret != "" {
		secretBytes = []byte(*secret)
	} else {
		logger.Warn("running without --secret (unencrypted, unauthenticated)")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Error("listen failed: %v", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("ccclient %s listening on %s", Version, ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Error("accept failed: %v", err)
			return
		}
		go serveConn(conn, secretBytes, logger, tracer)
	}
}

func serveConn(conn net.Conn, secret []byte, logger *logging.Logger, tracer trace.Emitter) {
	cc, err := connchan.New(conn, secret, false,
		connchan.WithLogger(logger),
		connchan.WithTracer(tracer),
	)
	if err != nil {
		logger.Warn("handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	logger.Info("accepted %s (encrypted=%v compressed=%v)", cc.RemoteAddr(), cc.Encrypted(), cc.Compressed())

	dispatcher := session.NewDispatcher()
	dispatcher.HandleType("ping", func(s *session.Session, msg *wire.Table) bool {
		return respondWithType(s, msg, "pong")
	})
	dispatcher.HandleType("echo", func(s *session.Session, msg *wire.Table) bool {
		response := message.ReplyTo(msg, "echo")
		respData, _ := response.GetTable("_data")
		if data, ok := msg.GetTable("_data"); ok {
			if v, ok := data.GetString("value"); ok {
				respData.SetString("value", v)
			}
		}
		s.Write(response, nil)
		return true
	})
	dispatcher.Handle(session.TypeSelector("list"), message.Request, startListSequence)

	sess := session.New(cc, session.WithLogger(logger), session.WithDispatch(dispatcher.Dispatch))
	<-sess.Done()
}

// startListSequence begins the demo multi-part "list" sequence of three toy
// items: the first goes in the reply to the "list" request itself, the
// other two one per type:"next" continuation.
func startListSequence(s *session.Session, request *wire.Table) bool {
	items := []string{"alpha", "beta", "gamma"}
	i := 0
	seq := session.NewSequence(func() (*wire.Table, bool) {
		d := wire.NewTable()
		d.SetString("item", items[i])
		i++
		return d, i < len(items)
	}, nil)
	id := s.Register(seq)
	response, _ := seq.NextMessage(request, id, true)
	s.Write(response, nil)
	return true
}

func respondWithType(s *session.Session, request *wire.Table, typ string) bool {
	s.Write(message.ReplyTo(request, typ), nil)
	return true
}

// printTable writes data's fields to stdout, one per line.
func printTable(data *wire.Table) {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, k := range data.Keys() {
		v, _ := data.Get(k)
		if b, ok := v.(wire.Blob); ok {
			fmt.Fprintf(w, "%s: %s\n", k, b.String())
			continue
		}
		fmt.Fprintf(w, "%s: %v\n", k, v)
	}
}

func createTracer(output string) (trace.Emitter, error) {
	switch output {
	case "":
		return trace.NopEmitter{}, nil
	case "stdout":
		return trace.NewJSONLineWriter(os.Stdout), nil
	case "stderr":
		return trace.NewJSONLineWriter(os.Stderr), nil
	default:
		flags := os.O_WRONLY | os.O_APPEND
		if _, err := os.Stat(output); os.IsNotExist(err) {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(output, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("open trace output %q: %w", output, err)
		}
		return trace.NewJSONLineWriter(f), nil
	}
}
