// Command mesh-agent dials an Anywhere Mesh ingress, registers a
// hostname, and proxies its traffic to a local HTTP service, per spec
// §2/§4.7.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anywhere-mesh/mesh/internal/agent"
	"github.com/anywhere-mesh/mesh/internal/meshlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("mesh-agent", pflag.ContinueOnError)
	fs.String("ingress-url", "", "WebSocket URL of the ingress (required)")
	fs.String("local-url", "", "base URL of the local HTTP service (required)")
	fs.String("hostname", "", "hostname to register (required)")
	fs.String("service-name", "", "service name reported at registration")
	fs.String("health-path", "", "local health path reported at registration (the agent does not poll it)")
	fs.String("proof", "", "static proof to present (dev/test use)")
	fs.String("log-level", "info", "log verbosity")
	fs.Int("request-concurrency", 64, "max concurrent local HTTP requests")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for flagName, envName := range map[string]string{
		"ingress-url":         "MESH_INGRESS_URL",
		"local-url":           "MESH_LOCAL_URL",
		"hostname":            "MESH_HOSTNAME",
		"service-name":        "MESH_SERVICE_NAME",
		"health-path":         "MESH_HEALTH_PATH",
		"proof":               "MESH_PROOF",
		"log-level":           "LOG_LEVEL",
		"request-concurrency": "MESH_REQUEST_CONCURRENCY",
	} {
		if err := v.BindEnv(flagName, envName); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	ingressURL := v.GetString("ingress-url")
	localURL := v.GetString("local-url")
	hostname := v.GetString("hostname")
	if ingressURL == "" || localURL == "" || hostname == "" {
		fmt.Fprintln(os.Stderr, "mesh-agent: --ingress-url, --local-url, and --hostname are required")
		return 1
	}

	level, ok := meshlog.ParseLevel(v.GetString("log-level"))
	if !ok {
		level = meshlog.LevelInfo
	}
	log := meshlog.New("mesh-agent", level)

	staticProof := v.GetString("proof")

	cfg := agent.DefaultConfig
	cfg.IngressURL = ingressURL
	cfg.LocalURL = localURL
	cfg.Hostname = hostname
	cfg.ServiceName = v.GetString("service-name")
	cfg.HealthPath = v.GetString("health-path")
	if rc := v.GetInt("request-concurrency"); rc > 0 {
		cfg.RequestConcurrency = rc
	}
	cfg.ProofProvider = func(ctx context.Context) (string, error) {
		if staticProof != "" {
			return staticProof, nil
		}
		return "", fmt.Errorf("no proof configured: set --proof or MESH_PROOF")
	}

	a := agent.New(cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := a.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Errorf("agent exited: %s", err)
		return 3
	}
	return 0
}
