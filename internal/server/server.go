// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pegasus-isi/gpumon/config"
	"github.com/pegasus-isi/gpumon/internal/service"
	"github.com/prometheus/exporter-toolkit/web"
)

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

type endpoint struct {
	Path        string
	Summary     string
	Description string
}

// APIServer serves the endpoints registered by the other services over the
// listeners described by an exporter-toolkit web configuration
type APIServer struct {
	logger *slog.Logger

	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	mu        sync.Mutex
	endpoints []endpoint
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listen addresses and the web config file (TLS and
// basic auth) of the APIServer
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebConfigFile:      &webConfigFile,
		}
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	noWebConfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{config.DefaultListenAddress},
			WebConfigFile:      &noWebConfig,
		},
	}
}

// NewAPIServer creates a new APIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:    opts.logger.With("service", "api-server"),
		mux:       mux,
		server:    &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

var landingPage = template.Must(template.New("landing").Parse(`<html>
<head><title>gpumon</title></head>
<body>
<h1>gpumon</h1>
<p>GPU telemetry collector. Available endpoints:</p>
<ul>
{{- range . }}
	<li><a href="{{ .Path }}">{{ .Summary }}</a> {{ .Description }}</li>
{{- end }}
</ul>
</body>
</html>
`))

func (s *APIServer) Init() error {
	s.logger.Info("Initializing API server")
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		s.mu.Lock()
		endpoints := append([]endpoint(nil), s.endpoints...)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := landingPage.Execute(w, endpoints); err != nil {
			s.logger.Error("failed to write landing page", "error", err)
		}
	})
	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running API server", "listen", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("stopping API server on context done")
		return nil

	case err := <-errCh:
		s.logger.Error("API server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register mounts handler at endpoint and lists it on the landing page. An
// endpoint can only be registered once.
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.endpoints {
		if e.Path == path {
			return fmt.Errorf("endpoint %s already registered", path)
		}
	}

	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{Path: path, Summary: summary, Description: description})
	s.logger.Debug("Endpoint registered", "endpoint", path)
	return nil
}
