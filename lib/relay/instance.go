package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/cdp-relay/lib/auth"
)

// Instance is one bound relay server for a given cdpUrl: HTTP surface, the
// extension slot, the CDP hub, and the target registry. Created by a
// Supervisor; idempotently reused while running.
type Instance struct {
	cdpURL   string
	host     string
	port     int
	token    string
	settings Settings
	logger   *slog.Logger

	registry *Registry
	hub      *Hub
	link     *ExtensionLink
	router   *Router
	tracker  *attachTracker

	srv      *http.Server
	listener net.Listener
	runCtx   context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

func newInstance(cdpURL, host string, port int, settings Settings, logger *slog.Logger) *Instance {
	in := &Instance{
		cdpURL:   cdpURL,
		host:     host,
		port:     port,
		token:    auth.MintToken(),
		settings: settings,
		logger:   logger.With(slog.String("relay", fmt.Sprintf("%s:%d", host, port))),
	}
	in.registry = NewRegistry(in.logger)
	in.hub = NewHub(in.logger, settings.ClientQueueSize)
	in.tracker = newAttachTracker()
	in.link = NewExtensionLink(in.logger, in.registry, in.hub, in.tracker, settings)
	in.router = NewRouter(in.logger, in.registry, in.hub, in.link, settings)
	in.registry.setSink(in.hub)
	in.registry.setObserver(in.tracker)
	return in
}

// start binds the loopback listener and begins serving. The bind is retried
// briefly: a relay restarted on the same port can race a socket in TIME_WAIT.
func (in *Instance) start(ctx context.Context) error {
	in.runCtx, in.cancel = context.WithCancel(context.WithoutCancel(ctx))

	addr := fmt.Sprintf("%s:%d", in.host, in.port)
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		in.listener = ln
		return nil
	})
	if err != nil {
		in.cancel()
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	in.srv = &http.Server{Handler: in.routes()}
	go func() {
		if err := in.srv.Serve(in.listener); err != nil && err != http.ErrServerClosed {
			in.logger.Error("relay: http server failed", slog.String("err", err.Error()))
		}
	}()
	in.logger.Info("relay: listening", slog.String("addr", addr))
	return nil
}

// stop tears the instance down: in-flight HTTP gets 503, sockets close, and
// pending futures reject with a shutdown error.
func (in *Instance) stop(ctx context.Context) error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	in.tracker.failAll(ErrShuttingDown)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return in.srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		in.link.Shutdown()
		return nil
	})
	g.Go(func() error {
		in.hub.CloseAll()
		return nil
	})
	err := g.Wait()
	in.cancel()
	in.logger.Info("relay: stopped")
	return err
}

// Token returns the instance's bearer token.
func (in *Instance) Token() string { return in.token }

// AuthHeaders returns the headers in-process callers need to reach this relay.
func (in *Instance) AuthHeaders() http.Header { return auth.Headers(in.token) }

// Addr returns the bound listen address.
func (in *Instance) Addr() string {
	if in.listener != nil {
		return in.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", in.host, in.port)
}

// BaseURL returns the instance's HTTP base URL.
func (in *Instance) BaseURL() string { return "http://" + in.Addr() }

// WebSocketDebuggerURL returns the /cdp endpoint with the token attached as a
// query parameter.
func (in *Instance) WebSocketDebuggerURL() string {
	return fmt.Sprintf("ws://%s/cdp?token=%s", in.Addr(), in.token)
}
