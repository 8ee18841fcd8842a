// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// writeTimeout bounds a single outbound frame; a subscriber that cannot
// drain within it is torn down instead of queueing without bound.
const writeTimeout = 10 * time.Second

type wsWriter struct {
	conn net.Conn
	mx   sync.Mutex
}

func (w *wsWriter) WriteMessage(data []byte) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}

	if err := wsutil.WriteServerMessage(w.conn, ws.OpText, data); err != nil {
		// Closing the socket ends the read loop, which tears the session down.
		_ = w.conn.Close()

		return err
	}

	return nil
}

// Upgrade hijacks the HTTP request into a websocket and runs the session
// loop until the client goes away.
func (h *Handler) Upgrade(writer http.ResponseWriter, req *http.Request) {
	source := sourceAddress(req)
	res := h.limiter.AllowConnection(source)
	if !res.Allowed() {
		writer.WriteHeader(http.StatusTooManyRequests)

		return
	}

	conn, _, _, err := ws.UpgradeHTTP(req, writer)
	if err != nil {
		h.limiter.ReleaseConnection(source)
		log.Printf("WARN: websocket upgrade from %v failed: %v", source, err)

		return
	}

	// The request context dies with the HTTP handler; the hijacked
	// connection lives until the client goes away.
	go h.serve(context.WithoutCancel(req.Context()), conn, source)
}

func (h *Handler) serve(ctx context.Context, conn net.Conn, source string) {
	connID := uuid.NewString()
	sess := h.newSession(connID, source, &wsWriter{conn: conn})

	h.subs.RegisterConnection(connID, source, sess.Sink())
	defer func() {
		h.subs.UnregisterConnection(connID)
		h.limiter.ReleaseConnection(source)
		h.policy.ForgetConnection(connID)
		h.auth.Revoke(connID)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("WARN: failed to close connection %v: %v", connID, err)
		}
	}()

	if h.cfg.AuthRequired {
		if err := sess.sendAuthChallenge(); err != nil {
			return
		}
	}

	for ctx.Err() == nil {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			logReadError(connID, err)

			return
		}
		if op != ws.OpText {
			notice := nostr.NoticeEnvelope("error: binary frames are not supported")
			if wErr := sess.writeEnvelope(&notice); wErr != nil {
				return
			}

			continue
		}
		if len(msg) == 0 {
			continue
		}
		if err = sess.Handle(ctx, msg); err != nil {
			if !errors.Is(err, errTerminate) {
				log.Printf("WARN: session %v: %v", connID, err)
			}

			return
		}
	}
}

func logReadError(connID string, err error) {
	closed := new(wsutil.ClosedError)
	if errors.As(err, closed) {
		if closed.Code != ws.StatusNormalClosure &&
			closed.Code != ws.StatusGoingAway &&
			closed.Code != ws.StatusAbnormalClosure &&
			closed.Code != ws.StatusNoStatusRcvd {
			log.Printf("WARN: connection %v closed unexpectedly: %v", connID, closed.Code)
		}

		return
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Printf("WARN: connection %v read failed: %v", connID, err)
	}
}

func sourceAddress(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		if comma := strings.IndexByte(forwarded, ','); comma >= 0 {
			return strings.TrimSpace(forwarded[:comma])
		}

		return strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}

	return req.RemoteAddr
}
