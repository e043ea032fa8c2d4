// Command scout-check verifies an agent deployment from the command line:
// it resolves the layered configuration the same way the in-process agent
// does, then dials the core agent socket and performs a Register handshake.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/scoutapp/scout-apm-go/internal/config"
	"github.com/scoutapp/scout-apm-go/internal/logging"
	"github.com/scoutapp/scout-apm-go/internal/transport"
)

func main() {
	configFile := flag.String("config", "", "Config file path (overrides SCOUT_CONFIG_FILE)")
	socketPath := flag.String("socket", "", "Core agent socket path (overrides resolved config)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithLevel(level)
	defer logger.Sync()

	cfg := config.New(logger)
	if *configFile != "" {
		cfg.Set(config.ConfigFile, *configFile)
		cfg.Load(*configFile)
	}
	if *socketPath != "" {
		cfg.Set(config.CoreAgentSocketPath, *socketPath)
	}

	fmt.Println("Resolved configuration:")
	for _, name := range []string{
		config.Monitor,
		config.Name,
		config.Key,
		config.URIReporting,
		config.CoreAgentSocketPath,
		config.ConfigFile,
		config.SendQueueSize,
		config.PayloadCompression,
	} {
		value := cfg.Value(name)
		if name == config.Key {
			if s := cfg.String(config.Key); s != "" {
				value = s[:min(4, len(s))] + "..."
			}
		}
		fmt.Printf("  %-24s %v\n", name, value)
	}

	if !cfg.Bool(config.Monitor) {
		fmt.Println("\nNote: monitor is false; the in-process agent would stay inert.")
	}

	hostname := cfg.String(config.Hostname)
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	conn, err := transport.NewConn(transport.ConnConfig{
		SocketPath: cfg.String(config.CoreAgentSocketPath),
		Compress:   cfg.Bool(config.PayloadCompression),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("transport setup failed: %v", err)
	}
	defer conn.Close()

	register := transport.Register{
		App:      cfg.String(config.Name),
		Key:      cfg.String(config.Key),
		Hostname: hostname,
	}
	if err := conn.Send(register); err != nil {
		log.Fatalf("core agent handshake failed: %v", err)
	}

	fmt.Printf("\nOK: registered with core agent at %s\n",
		cfg.String(config.CoreAgentSocketPath))
}
