// Command odin runs the ODIN gateway: the HTTP surface in front of the
// PipelineOrchestrator, plus a small set of operational subcommands.
package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/odin-gateway/odin/pkg/config"
	"github.com/odin-gateway/odin/pkg/keystore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub it out.
var startServer = runServer

// Run is the CLI dispatcher; Dispatcher pattern mirrors the teacher's
// argv[1]-keyed switch.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "discovery":
		return runDiscoveryCmd(stdout, stderr)
	case "rotate-key":
		return runRotateKeyCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "odin v0.1.0")
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if len(args[1]) > 0 && args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "ODIN Gateway")
	fmt.Fprintln(w, "Verifiable provenance for AI-to-AI and service-to-service calls.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  odin <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server       Run the gateway HTTP server (default)")
	fmt.Fprintln(w, "  health       Check server health over HTTP")
	fmt.Fprintln(w, "  discovery    Print the discovery document to stdout")
	fmt.Fprintln(w, "  rotate-key   Generate and activate a new signing key")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w, "  help         Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8080/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runDiscoveryCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	doc, err := buildDiscoveryDocument(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build discovery document: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, string(doc))
	return 0
}

func runRotateKeyCmd(args []string, out, errOut io.Writer) int {
	cfg := config.Load()
	ring, err := keystore.LoadOrCreatePersistent(cfg.KeystorePath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load keystore: %v\n", err)
		return 1
	}
	newKid := "k" + fmt.Sprint(ring.Len()+1)
	if len(args) > 0 {
		newKid = args[0]
	}
	kp, err := keystore.Rotate(cfg.KeystorePath, ring, newKid)
	if err != nil {
		fmt.Fprintf(errOut, "failed to rotate key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "rotated to kid=%s\n", kp.Kid)
	return 0
}

func runServer() {
	cfg := config.Load()
	logger := slog.Default()

	gw, err := newGateway(cfg)
	if err != nil {
		log.Fatalf("failed to initialize gateway: %v", err)
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	addr := ":8080"
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("odin gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("odin gateway shutting down")
}
