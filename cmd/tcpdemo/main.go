package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheSmallBoat/tcpduplex/config"
	"github.com/TheSmallBoat/tcpduplex/instrument"
	"github.com/TheSmallBoat/tcpduplex/internal/demo"
)

var (
	subcommandKeyServer = "server"
	subcommandKeyClient = "client"
	subcommandKeyHelp   = "help"
)

func newFlagSet(subcommand, desc string, output io.Writer) *flag.FlagSet {
	flagset := flag.NewFlagSet(subcommand, flag.ContinueOnError)
	flagset.SetOutput(output)
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "%s\nUsage of `%s %s`:\n", desc, os.Args[0], subcommand)
		flagset.PrintDefaults()
	}
	return flagset
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseServerArgs(args []string, output io.Writer) (*config.Config, error) {
	var (
		path    string
		port    int
		echo    bool
		metrics string
	)
	flagset := newFlagSet(subcommandKeyServer, "Start a TCP duplex demo server", output)
	flagset.StringVar(&path, "config", "", "config - path of a YAML config file")
	flagset.IntVar(&port, "p", 20007, "port - listen port")
	flagset.BoolVar(&echo, "echo", false, "echo - write every received chunk back to its sender")
	flagset.StringVar(&metrics, "metrics", "", "metrics - serve prometheus metrics on this address")
	if err := flagset.Parse(args[1:]); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	flagset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			cfg.Server.Port = port
		case "echo":
			cfg.Server.Echo = echo
		case "metrics":
			cfg.Metrics.Addr = metrics
		}
	})

	return cfg, cfg.Validate()
}

func parseClientArgs(args []string, output io.Writer) (*config.Config, error) {
	var (
		path string
		host string
		port int
	)
	flagset := newFlagSet(subcommandKeyClient, "Start a TCP duplex demo client", output)
	flagset.StringVar(&path, "config", "", "config - path of a YAML config file")
	flagset.StringVar(&host, "h", "127.0.0.1", "host - server host")
	flagset.IntVar(&port, "p", 20007, "port - server port")
	if err := flagset.Parse(args[1:]); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	flagset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "h":
			cfg.Client.Host = host
		case "p":
			cfg.Client.Port = port
		}
	})

	return cfg, cfg.Validate()
}

func helpAndExit(isErr bool) {
	stdOutOrErr := os.Stdout
	if isErr {
		stdOutOrErr = os.Stderr
	}
	fmt.Fprintf(stdOutOrErr, "Start a TCP duplex demo client or server\nUsage of %s server | client\n  -help\n         output this help\n", os.Args[0])
	if isErr {
		os.Exit(2)
	}
}

func exitOnParseError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	os.Exit(2)
}

func serveMetrics(addr, role string, logger *log.Logger) (*instrument.Collector, *http.Server) {
	if addr == "" {
		return nil, nil
	}
	col := instrument.NewCollector("tcpduplex", role)
	srv, err := demo.ServeMetrics(addr, logger, col)
	if err != nil {
		logger.Fatalf("Failed to serve metrics on '%s': %s", addr, err)
	}
	return col, srv
}

func runServer(cfg *config.Config, logger *log.Logger) {
	app := demo.NewServerApp(cfg.Server, logger, os.Stdout)

	col, ms := serveMetrics(cfg.Metrics.Addr, subcommandKeyServer, logger)
	if col != nil {
		defer ms.Close()
		col.Server(app.Server())
	}

	if err := app.Start(); err != nil {
		logger.Fatalf("Failed to start server: %s", err)
	}
	defer app.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		defer stop()
		if err := app.Run(os.Stdin); err != nil {
			logger.Printf("Console stopped: %s", err)
		}
	}()

	<-ctx.Done()
}

func runClient(cfg *config.Config, logger *log.Logger) {
	app := demo.NewClientApp(cfg.Client, logger)

	col, ms := serveMetrics(cfg.Metrics.Addr, subcommandKeyClient, logger)
	if col != nil {
		defer ms.Close()
		col.Client(app.Client())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Connect(ctx); err != nil {
		logger.Printf("%s", err)
		return
	}
	defer app.Shutdown()

	if conn := app.Client().Conn(); conn != nil {
		go func() {
			defer stop()
			<-conn.Done()
		}()
	}

	go func() {
		defer stop()
		if err := app.Run(os.Stdin); err != nil {
			logger.Printf("Console stopped: %s", err)
		}
	}()

	<-ctx.Done()
}

func main() {
	if len(os.Args) < 2 {
		helpAndExit(true)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	switch os.Args[1] {
	case subcommandKeyServer:
		cfg, err := parseServerArgs(os.Args[1:], os.Stderr)
		exitOnParseError(err)
		runServer(cfg, logger)
	case subcommandKeyClient:
		cfg, err := parseClientArgs(os.Args[1:], os.Stderr)
		exitOnParseError(err)
		runClient(cfg, logger)
	case subcommandKeyHelp:
		helpAndExit(false)
	default:
		helpAndExit(true)
	}
}
