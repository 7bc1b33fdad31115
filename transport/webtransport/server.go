package webtransport

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	wt "github.com/quic-go/webtransport-go"

	"github.com/rustyguts/mediaplane/session"
)

// Server exposes one HTTP/3 endpoint that upgrades to WebTransport and
// hands every accepted session to a session.Router, grounded on the
// teacher's server.go Server{addr,tlsConfig,room} shape adapted to the
// H3/WebTransport listener the media plane actually needs (gorilla
// websocket's plain TLS listener can't carry WebTransport).
type Server struct {
	addr string
	wts  wt.Server
}

// NewServer builds a Server listening on addr, upgrading requests to path
// at the WebTransport layer and handing every session to router.
func NewServer(addr, path string, tlsConfig *tls.Config, router *session.Router) *Server {
	mux := http.NewServeMux()
	s := &Server{addr: addr}
	s.wts = wt.Server{
		H3: http3.Server{
			Addr:       addr,
			TLSConfig:  tlsConfig,
			Handler:    mux,
			QUICConfig: &quic.Config{EnableDatagrams: true},
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wts.Upgrade(w, r)
		if err != nil {
			log.Printf("[webtransport] upgrade failed: %v", err)
			return
		}
		go func() {
			if err := Handle(r.Context(), sess, router); err != nil {
				log.Printf("[webtransport] session ended: %v", err)
			}
		}()
	})

	return s
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.wts.Close()
	}()

	log.Printf("[webtransport] listening on %s", s.addr)
	err := s.wts.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
