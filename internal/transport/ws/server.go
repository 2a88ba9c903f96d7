// Package ws is the websocket submission transport: clients send SUBMIT
// messages and receive one RESULT per changeset on the same connection.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/transport/limit"
)

type Submitter interface {
	Submit(ctx context.Context, cs changeset.Changeset) protocol.Result
}

type Server struct {
	seq     Submitter
	limiter *limit.Limiter
	log     *log.Logger

	// MaxInFlight bounds concurrent submissions per connection.
	MaxInFlight int

	upgrader websocket.Upgrader
}

func NewServer(seq Submitter, limiter *limit.Limiter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		seq:         seq,
		limiter:     limiter,
		log:         logger,
		MaxInFlight: 16,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, s.MaxInFlight)
		slots := make(chan struct{}, s.MaxInFlight)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeSubmit {
				send(errorMsg(protocol.ErrProtoBadRequest, "expected SUBMIT"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				send(errorMsg(protocol.ErrProtoBadRequest, "bad protocol_version"))
				continue
			}
			var sub protocol.SubmitMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				send(errorMsg(protocol.ErrProtoBadRequest, "bad changeset json: "+err.Error()))
				continue
			}
			cs := sub.Changeset
			if strings.TrimSpace(cs.ID) == "" {
				cs.ID = uuid.NewString()
			}
			if !s.limiter.Allow(cs.ProposerID) {
				send(resultMsg(protocol.RejectedResult(cs.ID, cs.Kind,
					protocol.Reject(protocol.ErrRateLimit, "proposer %q is over its submission rate", cs.ProposerID))))
				continue
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			go func() {
				defer func() { <-slots }()
				send(resultMsg(s.seq.Submit(ctx, cs)))
			}()
		}
		cancel()
	}
}

func resultMsg(res protocol.Result) protocol.ResultMsg {
	return protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, Result: res}
}

func errorMsg(code, msg string) protocol.ErrorMsg {
	return protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: msg}
}
