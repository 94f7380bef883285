// Package main implements the polykey-agent CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/nodes"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/control"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/types"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		err = startCommand(args)
	case "status":
		err = statusCommand(args)
	case "keygen":
		err = keygenCommand(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("polykey-agent %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`polykey-agent v%s - Polykey node agent

Usage:
  polykey-agent <command> [options]

Commands:
  start     Start the agent in the foreground
  status    Show agent status and open connections
  keygen    Generate new identity keys
  version   Show version information
  help      Show this help message

Examples:
  # Start on QUIC, joining through a seed node
  polykey-agent start --port 1314 --bootstrap 203.0.113.5:1314

  # Start on TCP with rotated log files
  polykey-agent start --transport tcp --log-file /var/log/polykey/agent.log

  # Inspect a running agent
  polykey-agent status

Run 'polykey-agent <command> -h' for the options of a command.

`, version)
}

// defaultIdentityPath returns the path to the identity file
func defaultIdentityPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "polykey-identity.json"
	}
	return filepath.Join(homeDir, ".polykey", "identity.json")
}

// loadOrCreateIdentity loads the identity at path or creates a new one
func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.LoadFromFile(path)
	}

	fmt.Println("No existing identity found, generating new identity...")
	id, err := identity.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := saveIdentity(id, path); err != nil {
		return nil, err
	}
	fmt.Printf("New identity created and saved to %s\n", path)
	return id, nil
}

func saveIdentity(id *identity.Identity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := id.SaveToFile(path); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// startCommand implements the start subcommand
func startCommand(args []string) error {
	opts := defaultOptions()
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.StringVar(&opts.IdentityPath, "identity", defaultIdentityPath(), "identity file")
	fs.StringVar(&opts.Host, "host", opts.Host, "address to bind")
	port := fs.Uint("port", uint(opts.Port), "port to bind (0 picks a free port)")
	fs.StringVar(&opts.Transport, "transport", opts.Transport, "transport: quic or tcp")
	bootstrap := fs.String("bootstrap", "", "comma separated host:port seed nodes")
	fs.StringVar(&opts.ControlAddr, "control", opts.ControlAddr, "control API address")
	fs.StringVar(&opts.MetricsAddr, "metrics", opts.MetricsAddr, "metrics address, empty to disable")
	fs.StringVar(&opts.Log.Level, "log-level", opts.Log.Level, "debug, info, warn or error")
	fs.StringVar(&opts.Log.FilePath, "log-file", "", "rotated log file, stderr when empty")
	fs.BoolVar(&opts.Log.Development, "dev", false, "human readable logs")
	fs.DurationVar(&opts.Nodes.IdleTimeoutMin, "idle-timeout", opts.Nodes.IdleTimeoutMin, "minimum idle time before a connection is closed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port > 65535 {
		return fmt.Errorf("invalid port %d", *port)
	}
	opts.Port = uint16(*port)

	for _, s := range strings.Split(*bootstrap, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		addr, err := types.ParseNodeAddress(s)
		if err != nil {
			return err
		}
		opts.Bootstrap = append(opts.Bootstrap, addr)
	}

	id, err := loadOrCreateIdentity(opts.IdentityPath)
	if err != nil {
		return err
	}
	fmt.Printf("NodeID: %s\n", id.NodeID().Encode())

	app := newApp(opts, id)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

// statusCommand implements the status subcommand
func statusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("control", constants.DefaultControlAddr, "control API address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := control.Dial(ctx, *addr)
	if err != nil {
		fmt.Println("Agent is not running")
		return nil
	}
	defer client.Close()

	var info map[string]interface{}
	if err := client.Call(ctx, "GetInfo", nil, &info); err != nil {
		return fmt.Errorf("status error: %w", err)
	}
	fmt.Println("Agent is running")
	fmt.Printf("NodeID: %v\n", info["nodeId"])
	fmt.Printf("State: %v\n", info["state"])
	fmt.Printf("Transport: %v\n", info["transport"])
	if a, ok := info["address"]; ok {
		fmt.Printf("Address: %v\n", a)
	}
	fmt.Printf("Graph size: %v\n", info["graphSize"])

	var list struct {
		Connections []nodes.ConnectionSummary `json:"connections"`
	}
	if err := client.Call(ctx, "connections.list", nil, &list); err != nil {
		return fmt.Errorf("status error: %w", err)
	}
	fmt.Printf("Connections: %d\n", len(list.Connections))
	if len(list.Connections) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tADDRESS\tCONNECTION\tSTATE\tUSAGE\tPRIMARY\tINBOUND")
	for _, c := range list.Connections {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%t\n",
			c.NodeID.Short(), c.Address, c.ConnectionID.Short(), c.State, c.UsageCount, c.Primary, c.Inbound)
	}
	return w.Flush()
}

// keygenCommand implements the keygen subcommand
func keygenCommand(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("identity", defaultIdentityPath(), "identity file")
	force := fs.Bool("force", false, "overwrite an existing identity without asking")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Printf("Warning: Identity already exists at %s\n", *path)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Identity generation cancelled")
			return nil
		}
	}

	fmt.Println("Generating new identity...")
	id, err := identity.GenerateIdentity()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := saveIdentity(id, *path); err != nil {
		return err
	}

	fmt.Printf("New identity generated and saved to %s\n", *path)
	fmt.Printf("NodeID: %s\n", id.NodeID().Encode())
	return nil
}
