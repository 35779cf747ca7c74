// Package ws carries the realtime client protocol over a websocket. One
// connection is one player session: a handshake establishes identity, a
// writer goroutine drains the session's outbound queue, and the reader
// loop routes inbound frames to the sync coordinator.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"parleydb/pkg/logger"
	"parleydb/pkg/protocol"
	"parleydb/pkg/syncer"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

// Options tunes the websocket server.
type Options struct {
	// CheckToken validates the HELLO token. nil allows every client.
	CheckToken func(token string) bool
}

type Server struct {
	coord *syncer.Coordinator
	opts  Options

	upgrader websocket.Upgrader
}

func NewServer(coord *syncer.Coordinator, opts Options) *Server {
	return &Server{
		coord: coord,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades the connection and runs the session until the client
// goes away.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		playerID, out := s.handshake(conn)
		if playerID == "" {
			return
		}
		defer s.coord.Detach(playerID, out)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine. The coordinator never blocks on out, so a
		// stalled socket only loses this player's frames.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						// The coordinator closed the queue: either this
						// session overflowed or a newer connection took
						// over. Closing the socket unblocks the reader and
						// pushes the client into a reconnect plus resync.
						_ = conn.Close()
						cancel()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			s.dispatch(playerID, msg)
		}
	}
}

// handshake expects a HELLO as the first frame, attaches the player to the
// coordinator and answers WELCOME. An empty playerID return means the
// connection is dead.
func (s *Server) handshake(conn *websocket.Conn) (string, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return "", nil
	}
	if hello.PlayerID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "missing player_id")
		return "", nil
	}
	if s.opts.CheckToken != nil && !s.opts.CheckToken(hello.Token) {
		closeWith(conn, websocket.ClosePolicyViolation, "bad token")
		logger.Warn("ws_token_rejected", "player", hello.PlayerID)
		return "", nil
	}

	out := make(chan []byte, s.coord.SessionBuffer())

	// The sync frames queue on out and stay there until the writer
	// goroutine starts, so WELCOME is still the first frame on the wire.
	teamID, err := s.coord.Attach(hello.PlayerID, out)
	if err != nil {
		logger.Error("ws_attach_failed", "player", hello.PlayerID, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "attach failed")
		return "", nil
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PlayerID:        hello.PlayerID,
		TeamID:          teamID,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.coord.Detach(hello.PlayerID, out)
		return "", nil
	}
	logger.Info("ws_session_started", "player", hello.PlayerID, "team", teamID)
	return hello.PlayerID, out
}

func (s *Server) dispatch(playerID string, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeRequestOlder:
		var req protocol.RequestOlderMsg
		if json.Unmarshal(msg, &req) == nil {
			s.coord.RequestOlderMessages(playerID, req.EntityID, req.BeforeIndex, req.Count)
		}
	case protocol.TypeResolve:
		var req protocol.ResolveMsg
		if json.Unmarshal(msg, &req) == nil {
			s.coord.HandleResolve(playerID, req.MessageID, req.FieldKey)
		}
	case protocol.TypeTyping:
		var req protocol.TypingMsg
		if json.Unmarshal(msg, &req) == nil {
			s.coord.HandleTyping(playerID, req.EntityID)
		}
	case protocol.TypeMarkRead:
		var req protocol.MarkReadMsg
		if json.Unmarshal(msg, &req) == nil {
			s.coord.HandleMarkRead(playerID, req.EntityID, req.ReadCount)
		}
	case protocol.TypeConsumeActions:
		var req protocol.ConsumeActionsMsg
		if json.Unmarshal(msg, &req) == nil {
			s.coord.ConsumeActions(playerID, req.MessageID)
		}
	default:
		// Unknown frames are ignored so clients can run ahead of the server.
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
