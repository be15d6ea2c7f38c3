package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/config"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/version"
)

// RelayServer assembles the HTTP surface: the websocket relay endpoint, the
// room administration API, and prometheus metrics.
type RelayServer struct {
	config     *config.Config
	httpServer *http.Server
	promServer *http.Server
	running    atomic.Bool
	doneChan   chan struct{}
}

func NewRelayServer(conf *config.Config, roomService *RoomService, relayService *RelayService) *RelayServer {
	s := &RelayServer{
		config: conf,
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}),
	}

	mux := http.NewServeMux()
	roomService.RegisterHandlers(mux)
	mux.Handle("/ws", relayService)
	mux.Handle("/metrics", promhttp.Handler())
	// the root serves both the websocket endpoint (legacy clients) and a
	// plain JSON banner
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			relayService.ServeHTTP(w, r)
			return
		}
		writeJSON(w, map[string]string{"message": "Live conversation relay with multi-user session support"})
	})

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	// metrics optionally get their own port, kept off the public surface
	if conf.Prometheus.Port > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Handler: promMux,
		}
	}

	return s
}

func (s *RelayServer) IsRunning() bool {
	return s.running.Load()
}

func (s *RelayServer) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("already running")
	}
	s.doneChan = make(chan struct{})

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, s.config.Port))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return errors.Wrapf(err, "could not listen on %s:%d", addr, s.config.Port)
		}
		listeners = append(listeners, ln)
	}

	group, _ := errgroup.WithContext(context.Background())
	for _, ln := range listeners {
		ln := ln
		group.Go(func() error {
			if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if s.promServer != nil {
		promLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Prometheus.Port))
		if err != nil {
			_ = s.httpServer.Close()
			_ = group.Wait()
			s.running.Store(false)
			return errors.Wrap(err, "could not listen for metrics")
		}
		group.Go(func() error {
			if err := s.promServer.Serve(promLn); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	logger.Infow("starting relay server",
		"port", s.config.Port,
		"version", version.Version,
	)

	<-s.doneChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	return group.Wait()
}

func (s *RelayServer) Stop() {
	if s.running.CompareAndSwap(true, false) {
		close(s.doneChan)
	}
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
