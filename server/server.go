// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gookit/goutil/errorx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SparrowTek/nostr-relay/policy"
	wsserver "github.com/SparrowTek/nostr-relay/server/ws"
)

type (
	Config struct {
		Addr               string
		CertPath           string
		KeyPath            string
		CORSAllowedOrigins []string
	}

	Server struct {
		cfg       *Config
		wsHandler *wsserver.Handler
		nip11     *nip11handler
		policy    *policy.Policy
	}
)

func New(cfg *Config, wsHandler *wsserver.Handler, nip11cfg *NIP11Config, pol *policy.Policy) *Server {
	return &Server{
		cfg:       cfg,
		wsHandler: wsHandler,
		nip11:     newNIP11Handler(nip11cfg),
		policy:    pol,
	}
}

// ListenAndServe runs the HTTP server until the context is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server started listening on %v...", s.cfg.Addr)
		if s.cfg.CertPath != "" && s.cfg.KeyPath != "" {
			errCh <- httpServer.ListenAndServeTLS(s.cfg.CertPath, s.cfg.KeyPath)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return errorx.With(err, "server stopped unexpectedly")
	case <-ctx.Done():
	}

	log.Printf("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errorx.With(err, "server shutdown failed")
	}
	log.Printf("server shutdown succeeded")

	return nil
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.cors())

	router.GET("/", s.root)
	router.GET("/healthz", func(ginCtx *gin.Context) {
		ginCtx.String(http.StatusOK, "ok")
	})
	router.GET("/readyz", func(ginCtx *gin.Context) {
		ginCtx.String(http.StatusOK, "ready")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/security/status", func(ginCtx *gin.Context) {
		ginCtx.JSON(http.StatusOK, s.policy.Status())
	})
	router.GET("/security/audit", func(ginCtx *gin.Context) {
		ginCtx.JSON(http.StatusOK, s.policy.Audit(100))
	})

	return router
}

// root serves the websocket upgrade for websocket clients and the NIP-11
// relay information document for everything else.
func (s *Server) root(ginCtx *gin.Context) {
	if strings.EqualFold(ginCtx.GetHeader("Upgrade"), "websocket") {
		s.wsHandler.Upgrade(ginCtx.Writer, ginCtx.Request)

		return
	}

	s.nip11.ServeHTTP(ginCtx.Writer, ginCtx.Request)
}

func (s *Server) cors() gin.HandlerFunc {
	allowed := s.cfg.CORSAllowedOrigins

	return func(ginCtx *gin.Context) {
		origin := "*"
		if len(allowed) > 0 {
			origin = allowed[0]
			for _, candidate := range allowed {
				if candidate == ginCtx.GetHeader("Origin") {
					origin = candidate

					break
				}
			}
		}
		ginCtx.Header("Access-Control-Allow-Origin", origin)
		ginCtx.Header("Access-Control-Allow-Headers", "*")
		ginCtx.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		if ginCtx.Request.Method == http.MethodOptions {
			ginCtx.AbortWithStatus(http.StatusNoContent)

			return
		}
		ginCtx.Next()
	}
}
