package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"blockswap/core/block"
	"blockswap/network/bitswap"
	"blockswap/network/libp2p"
	"blockswap/network/peer_registry"
	"blockswap/network/wantlist"
)

const shutdownTimeout = 5 * time.Second

// Exchange is the part of the block exchange engine the API drives.
type Exchange interface {
	GetBlock(ctx context.Context, id cid.Cid, priority wantlist.Priority) (block.Block, error)
	AddBlock(ctx context.Context, blk block.Block) error
	HasBlock(id cid.Cid) (bool, error)
	CancelRequest(id cid.Cid) bool
	Wantlist() []wantlist.Entry
	Pending(id cid.Cid) (wantlist.PendingRequest, bool)
	Peers() []bitswap.PeerInfo
	Stat() bitswap.Stat
	Registry() *peer_registry.Registry
}

// NetworkStatsProvider reports transport-level state. *libp2p.Node
// implements it.
type NetworkStatsProvider interface {
	NetworkStats() libp2p.NetworkStats
}

// Server represents the REST API server
type Server struct {
	exchange Exchange
	node     NetworkStatsProvider
	log      *zap.SugaredLogger
	router   *mux.Router
	server   *http.Server
	started  time.Time
}

// NewServer creates a new REST API server. node may be nil.
func NewServer(exchange Exchange, node NetworkStatsProvider, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		exchange: exchange,
		node:     node,
		log:      log.Named("api"),
		router:   mux.NewRouter(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		// block fetches can wait on the network for the full request timeout
		WriteTimeout: 5 * time.Minute,
	}
}

func (s *Server) serve(srv *http.Server) error {
	s.log.Infow("REST API listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "REST API server failed")
	}
	return nil
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.server = s.newHTTPServer(addr)
	return s.serve(s.server)
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := s.newHTTPServer(addr)
	s.server = srv
	errc := make(chan error, 1)
	go func() { errc <- s.serve(srv) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "REST API shutdown failed")
	}
	return <-errc
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
