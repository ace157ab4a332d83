// Command qlcctl sends commands to a QLC+ server from the terminal.
//
//	qlcctl [flags] [frame...]   run one command, or start a console without args
//	qlcctl hash-token           print a bcrypt hash for api.token_hash
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/config"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
	"github.com/lawnchairsociety/qlcbridge/internal/server"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := hashToken(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configFile := flag.String("config", "data/qlcbridge.yaml", "Path to bridge config YAML file")
	instance := flag.String("instance", "", "Instance name from the config (default: first)")
	host := flag.String("host", "", "QLC+ host (overrides the config)")
	port := flag.Int("port", 0, "QLC+ port (overrides the config)")
	timeout := flag.Duration("timeout", 0, "Reply timeout (overrides the config)")
	verbose := flag.Bool("v", false, "Log protocol activity to stderr")
	flag.Parse()

	level := "ERROR"
	if *verbose {
		level = "DEBUG"
	}
	logger.SetOutput(os.Stderr, "text", level)

	endpoint, err := resolveEndpoint(*configFile, *instance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		endpoint.Host = *host
	}
	if *port != 0 {
		endpoint.Port = *port
	}
	if *timeout > 0 {
		endpoint.Timeout = *timeout
	}

	client, err := qlc.NewClient(endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &console{desk: client, out: os.Stdout}

	if flag.NArg() > 0 {
		if err := c.execute(ctx, strings.Join(flag.Args(), " ")); err != nil && err != errQuit {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	editor := NewLineEditor()
	defer editor.Close()
	if editor.IsInteractive() {
		fmt.Printf("Connected to %s (type help for commands)\n", endpoint.URL())
	}
	if err := c.run(ctx, editor, "qlc> "); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveEndpoint picks the instance from the config file, which may be absent.
func resolveEndpoint(path, name string) (qlc.Endpoint, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return qlc.Endpoint{}, err
	}
	if name == "" {
		if len(cfg.Instances) == 0 {
			return qlc.Endpoint{Host: "localhost", Port: qlc.DefaultPort, Timeout: qlc.DefaultTimeout}, nil
		}
		return cfg.Instances[0].Endpoint(), nil
	}
	inst, ok := cfg.Instance(name)
	if !ok {
		return qlc.Endpoint{}, fmt.Errorf("instance %q not found in %s", name, path)
	}
	return inst.Endpoint(), nil
}

// hashToken reads a token (hidden when stdin is a terminal) and prints its hash.
func hashToken(in *os.File, out io.Writer) error {
	var token string
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(os.Stderr, "API token: ")
		raw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = string(raw)
	} else {
		data, err := io.ReadAll(io.LimitReader(in, 4096))
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	start := time.Now()
	hash, err := server.HashToken(token)
	if err != nil {
		return err
	}
	logger.Debug("Token hashed", "cost", server.TokenCost, "duration", time.Since(start))
	fmt.Fprintln(out, hash)
	return nil
}
