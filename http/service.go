// Package http exposes the router to clients and operators over HTTP.
// Command bodies and replies are relaxed MongoDB Extended JSON.
package http

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/router"
	"github.com/shard-txn-router/routing"
	log "github.com/sirupsen/logrus"
)

// Router is the part of router.Router served over HTTP.
type Router interface {
	Run(ctx context.Context, stmt common.Statement) (*common.Result, error)
	StartTransaction(ctx context.Context, sessionID string, txnNumber int64) (*router.Session, error)
	CommitTransaction(ctx context.Context, sessionID string, txnNumber int64) error
	AbortTransaction(ctx context.Context, sessionID string, txnNumber int64) (router.TxnState, error)
	Status(sessionID string) (router.SessionStatus, error)
}

// Placement changes database placement, normally through the catalog.
type Placement interface {
	EnableSharding(ctx context.Context, db, primary string) (common.DatabaseEntry, error)
	MovePrimary(ctx context.Context, db, to string) (common.DatabaseEntry, error)
}

// Invalidator drops cached placement after an admin change.
type Invalidator interface {
	Invalidate(db string)
}

// Service provides HTTP service.
type Service struct {
	addr string
	ln   net.Listener

	router    Router
	placement Placement
	cache     Invalidator
	control   *routing.RefreshControl
	gatherer  prometheus.Gatherer

	handler http.Handler
	log     *log.Entry
}

// New returns an unstarted HTTP service. placement, cache, control and
// gatherer may be nil, which disables the matching admin routes.
func New(logger *log.Logger, addr string, r Router, placement Placement, cache Invalidator,
	control *routing.RefreshControl, gatherer prometheus.Gatherer) *Service {
	s := &Service{
		addr:      addr,
		router:    r,
		placement: placement,
		cache:     cache,
		control:   control,
		gatherer:  gatherer,
		log:       logger.WithField("component", "http"),
	}
	s.handler = s.routes()
	return s
}

func (s *Service) routes() http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)

	m.HandleFunc("/sessions/{lsid}", s.handleStatus).Methods(http.MethodGet)
	txn := m.PathPrefix("/sessions/{lsid}").Subrouter()
	txn.HandleFunc("/txns/{txn:[0-9]+}/start", s.handleStart).Methods(http.MethodPost)
	txn.HandleFunc("/txns/{txn:[0-9]+}/run", s.handleRun).Methods(http.MethodPost)
	txn.HandleFunc("/txns/{txn:[0-9]+}/commit", s.handleCommit).Methods(http.MethodPost)
	txn.HandleFunc("/txns/{txn:[0-9]+}/abort", s.handleAbort).Methods(http.MethodPost)

	admin := m.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/refreshControl", s.handleRefreshControl).Methods(http.MethodPost)
	admin.HandleFunc("/enableSharding", s.handleEnableSharding).Methods(http.MethodPost)
	admin.HandleFunc("/movePrimary", s.handleMovePrimary).Methods(http.MethodPost)

	if s.gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return m
}

// Start starts the service.
func (s *Service) Start() error {
	server := http.Server{
		Handler: s,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := server.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			s.log.Warnf("HTTP serve: %s", err)
		}
	}()
	s.log.Infof("HTTP service listening on %s", ln.Addr())
	return nil
}

// Close closes the service.
func (s *Service) Close() error {
	return s.ln.Close()
}

// ServeHTTP allows Service to serve HTTP requests.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Addr returns the address on which the Service is listening
func (s *Service) Addr() net.Addr {
	return s.ln.Addr()
}
