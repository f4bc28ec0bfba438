// Package config loads ingress configuration from flags and environment
// variables via spf13/viper and spf13/pflag, per spec §6's option table.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anywhere-mesh/mesh/internal/meshlog"
)

// Ingress holds every option in spec §6's configuration table.
type Ingress struct {
	HTTPPort                int
	WSPort                  int
	MaxConnections          int
	RequestTimeoutSeconds   int
	WSIdleTimeoutSeconds    int
	WSMaxMessageBytes       int
	OriginAllowlist         []string
	PrincipalAllowlist      []string
	HandshakeTimeoutSeconds int
	LogLevel                meshlog.Level
}

// LoadIngress parses args (typically os.Args[1:]) and the environment,
// returning a validated Ingress config. A non-nil error means a config
// error per spec §7 (exit code 1).
func LoadIngress(args []string) (*Ingress, error) {
	fs := pflag.NewFlagSet("mesh-ingress", pflag.ContinueOnError)
	fs.Int("http-port", 8080, "HTTP listen port")
	fs.Int("ws-port", 8082, "WebSocket listen port")
	fs.Int("max-connections", 10000, "cap on active sessions")
	fs.Int("request-timeout-seconds", 30, "per-request deadline")
	fs.Int("ws-idle-timeout-seconds", 60, "max silence before close")
	fs.Int("ws-max-message-bytes", 1<<20, "hard cap per frame")
	fs.String("origin-allowlist", "", "comma-separated Origin allow patterns")
	fs.String("principal-allowlist", "", "comma-separated principal patterns (required)")
	fs.Int("handshake-timeout-seconds", 10, "auth+register deadline")
	fs.String("log-level", "info", "log verbosity")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: binding flags: %w", err)
	}

	// Each flag is bound to its env-table name from spec §6 so either
	// source can supply a value, with the flag value winning if both are
	// set (viper's normal precedence).
	bind := map[string]string{
		"http-port":                 "INGRESS_HTTP_PORT",
		"ws-port":                   "INGRESS_WS_PORT",
		"max-connections":           "MAX_CONNECTIONS",
		"request-timeout-seconds":   "REQUEST_TIMEOUT_SECONDS",
		"ws-idle-timeout-seconds":   "WS_IDLE_TIMEOUT_SECONDS",
		"ws-max-message-bytes":      "WS_MAX_MESSAGE_BYTES",
		"origin-allowlist":          "ORIGIN_ALLOWLIST",
		"principal-allowlist":       "PRINCIPAL_ALLOWLIST",
		"handshake-timeout-seconds": "HANDSHAKE_TIMEOUT_SECONDS",
		"log-level":                 "LOG_LEVEL",
	}
	for flagName, envName := range bind {
		if err := v.BindEnv(flagName, envName); err != nil {
			return nil, fmt.Errorf("config: binding env %s: %w", envName, err)
		}
	}

	principalAllowlist := splitCSV(v.GetString("principal-allowlist"))
	if len(principalAllowlist) == 0 {
		return nil, fmt.Errorf("config: PRINCIPAL_ALLOWLIST must be non-empty (fail-closed)")
	}

	level, ok := meshlog.ParseLevel(v.GetString("log-level"))
	if !ok {
		return nil, fmt.Errorf("config: unrecognized log level %q", v.GetString("log-level"))
	}

	return &Ingress{
		HTTPPort:                v.GetInt("http-port"),
		WSPort:                  v.GetInt("ws-port"),
		MaxConnections:          v.GetInt("max-connections"),
		RequestTimeoutSeconds:   v.GetInt("request-timeout-seconds"),
		WSIdleTimeoutSeconds:    v.GetInt("ws-idle-timeout-seconds"),
		WSMaxMessageBytes:       v.GetInt("ws-max-message-bytes"),
		OriginAllowlist:         splitCSV(v.GetString("origin-allowlist")),
		PrincipalAllowlist:      principalAllowlist,
		HandshakeTimeoutSeconds: v.GetInt("handshake-timeout-seconds"),
		LogLevel:                level,
	}, nil
}

// RequestTimeout is RequestTimeoutSeconds as a time.Duration.
func (c *Ingress) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// WSIdleTimeout is WSIdleTimeoutSeconds as a time.Duration.
func (c *Ingress) WSIdleTimeout() time.Duration {
	return time.Duration(c.WSIdleTimeoutSeconds) * time.Second
}

// HandshakeTimeout is HandshakeTimeoutSeconds as a time.Duration.
func (c *Ingress) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
