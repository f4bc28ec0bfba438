// Command mesh-ingress runs the Anywhere Mesh ingress: a front-door HTTP
// server and a WebSocket registration server sharing one hostname
// registry, per spec §2/§6.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"

	"github.com/anywhere-mesh/mesh/internal/config"
	"github.com/anywhere-mesh/mesh/internal/identity"
	"github.com/anywhere-mesh/mesh/internal/ingress"
	"github.com/anywhere-mesh/mesh/internal/lifecycle"
	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/registry"
	"github.com/anywhere-mesh/mesh/internal/session"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadIngress(os.Args[1:])
	if err != nil {
		log := meshlog.New("mesh-ingress", meshlog.LevelInfo)
		log.Errorf("%s", err)
		return 1
	}

	log := meshlog.New("mesh-ingress", cfg.LogLevel)

	allowlist, err := identity.NewAllowlist(cfg.PrincipalAllowlist)
	if err != nil {
		log.Errorf("%s", err)
		return 1
	}
	verifier := identity.NewSTSVerifier(allowlist, 5*time.Second, 60*time.Second)

	reg := registry.New(30 * time.Second)
	reg.OnEvent(func(event, hostname, sessionID string) {
		log.Infof("registry %s: hostname=%s session=%s", event, hostname, sessionID)
	})

	codec := wire.NewCodec(wire.Limits{
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		MaxHeaders:      wire.DefaultLimits.MaxHeaders,
		MaxPathBytes:    wire.DefaultLimits.MaxPathBytes,
	})

	sessionCfg := session.DefaultConfig
	sessionCfg.IdleMax = cfg.WSIdleTimeout()

	wsCfg := ingress.DefaultWSConfig
	wsCfg.MaxConnections = cfg.MaxConnections
	wsCfg.HandshakeTimeout = cfg.HandshakeTimeout()
	wsCfg.OriginAllowlist = cfg.OriginAllowlist
	wsCfg.Session = sessionCfg

	wsIngress := ingress.NewWSIngress(wsCfg, log.Fork("ws"), reg, verifier, codec)

	httpCfg := ingress.DefaultHTTPConfig
	httpCfg.RequestTimeout = cfg.RequestTimeout()
	httpIngress := ingress.NewHTTPIngress(httpCfg, log.Fork("http"), reg, wsIngress)

	httpHandler := http.Handler(httpIngress.Handler())
	if cfg.LogLevel >= meshlog.LevelDebug {
		httpHandler = requestlog.Wrap(httpHandler)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpSrv := lifecycle.NewHTTPServer(log.Fork("http-server"))
	wsSrv := lifecycle.NewHTTPServer(log.Fork("ws-server"))

	errCh := make(chan error, 2)
	go func() {
		errCh <- httpSrv.ListenAndServe(ctx, addrFromPort(cfg.HTTPPort), httpHandler)
	}()
	go func() {
		errCh <- wsSrv.ListenAndServe(ctx, addrFromPort(cfg.WSPort), wsIngress.Handler())
	}()

	log.Infof("listening: http=%d ws=%d", cfg.HTTPPort, cfg.WSPort)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("listener failed: %s", err)
			cancel()
			wsIngress.DrainAll()
			return 2
		}
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	cancel()
	wsIngress.DrainAll()
	<-errCh
	return 0
}

func addrFromPort(port int) string {
	return ":" + strconv.Itoa(port)
}
