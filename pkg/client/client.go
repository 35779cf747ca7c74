// Package client is the game-client side of the sync protocol: a websocket
// connection, a sparse conversation cache, and the two-tier template
// resolution cache, driven by a periodic Tick from the host game loop.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parleydb/pkg/logger"
	"parleydb/pkg/protocol"
	"parleydb/pkg/template"
)

// Options configures one client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL      string
	PlayerID string
	Token    string

	// MaxPerConversation bounds the locally retained history per
	// conversation; Tick trims beyond it.
	MaxPerConversation int
	// PageSize is how much older history one RequestOlder asks for.
	PageSize int

	// Resolve pacing, forwarded to the resolution cache.
	ResolveRPS        float64
	ResolveBurst      int
	ResolveMaxPerTick int
}

// TeamView is the client's copy of the last metadata frame.
type TeamView struct {
	TeamID   string
	Title    string
	Color    string
	Members  []string
	Data     map[string]any
	Convs    []protocol.ConvSummary
	Revision uint64
}

// Client mirrors one player's team state. The host game loop calls Tick
// once per frame or timer interval; incoming frames are merged by the read
// goroutine, so all shared state sits behind locks or the caches' own
// synchronization.
type Client struct {
	opts      Options
	resolvers *template.Registry

	Convs    *ConversationCache
	Resolves *ResolutionCache

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	team        TeamView
	renderedRev uint64
}

// New builds a disconnected client. resolvers is the client-known prefix
// registry (player stats, locale strings and so on).
func New(opts Options, resolvers *template.Registry) *Client {
	if opts.MaxPerConversation <= 0 {
		opts.MaxPerConversation = 200
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 25
	}
	return &Client{
		opts:      opts,
		resolvers: resolvers,
		Convs:     NewConversationCache(),
		Resolves:  NewResolutionCache(resolvers, opts.ResolveRPS, opts.ResolveBurst, opts.ResolveMaxPerTick),
	}
}

// Connect dials the server, completes the HELLO/WELCOME handshake and
// starts the read goroutine. The metadata frame and recent windows stream
// in asynchronously after this returns.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerID:        c.opts.PlayerID,
		Token:           c.opts.Token,
	}
	if err := writeFrame(conn, hello); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeWelcome {
		conn.Close()
		return fmt.Errorf("expected WELCOME, got %q", base.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	logger.Info("client_connected", "player", c.opts.PlayerID, "url", c.opts.URL)
	return nil
}

// Close tears the connection down and clears in-flight resolution
// requests. Resolved values survive for a reconnect within the session.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	c.Resolves.ClearPending()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the read loop is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Team returns the last received metadata view.
func (c *Client) Team() TeamView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// Tick drives periodic work: flush queued resolution requests at the
// capped rate, trim retained history and prune the resolution cache in
// lockstep. Returns true when the team revision moved since the last Tick
// that returned true, i.e. when the UI should refresh. No revision change
// means no recomputation.
func (c *Client) Tick() bool {
	c.Resolves.FlushQueued(func(messageID, fieldKey string) bool {
		return c.sendFrame(protocol.ResolveMsg{
			Type:      protocol.TypeResolve,
			MessageID: messageID,
			FieldKey:  fieldKey,
		}) == nil
	})

	retained := c.Convs.TrimToLatest(c.opts.MaxPerConversation)
	c.Resolves.RetainMessages(retained)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.team.Revision == c.renderedRev {
		return false
	}
	c.renderedRev = c.team.Revision
	return true
}

// RequestOlder asks for the next page below the oldest loaded index. No-op
// when the full history is already loaded.
func (c *Client) RequestOlder(entityID string) error {
	if !c.Convs.HasOlderMessages(entityID) {
		return nil
	}
	before, ok := c.Convs.GetOldestLoadedIndex(entityID)
	if !ok {
		before = c.Convs.GetTotalMessageCount(entityID)
	}
	return c.sendFrame(protocol.RequestOlderMsg{
		Type:        protocol.TypeRequestOlder,
		EntityID:    entityID,
		BeforeIndex: before,
		Count:       c.opts.PageSize,
	})
}

// MarkRead advances the server-side read boundary for one conversation.
func (c *Client) MarkRead(entityID string, readCount int) error {
	return c.sendFrame(protocol.MarkReadMsg{
		Type:      protocol.TypeMarkRead,
		EntityID:  entityID,
		ReadCount: readCount,
	})
}

// SendTyping emits the ephemeral typing indicator.
func (c *Client) SendTyping(entityID string) error {
	return c.sendFrame(protocol.TypingMsg{Type: protocol.TypeTyping, EntityID: entityID})
}

// ConsumeActions reports an action click so the server strips the buttons
// for the whole team.
func (c *Client) ConsumeActions(messageID string) error {
	return c.sendFrame(protocol.ConsumeActionsMsg{Type: protocol.TypeConsumeActions, MessageID: messageID})
}

// ResolveContext is the client-known substitution context passed to the
// resolver registry on every Resolve.
func (c *Client) ResolveContext() template.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return template.Context{
		"player_id":  c.opts.PlayerID,
		"team_id":    c.team.TeamID,
		"team_title": c.team.Title,
		"team_data":  c.team.Data,
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		c.mu.Unlock()
		c.Resolves.ClearPending()
		logger.Info("client_disconnected", "player", c.opts.PlayerID)
	}()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeTeamMeta:
		var meta protocol.TeamMetaMsg
		if json.Unmarshal(raw, &meta) != nil {
			return
		}
		c.mu.Lock()
		switched := c.team.TeamID != "" && c.team.TeamID != meta.TeamID
		c.team = TeamView{
			TeamID:   meta.TeamID,
			Title:    meta.Title,
			Color:    meta.Color,
			Members:  meta.Members,
			Data:     meta.Data,
			Convs:    meta.Convs,
			Revision: meta.Revision,
		}
		c.mu.Unlock()
		if switched {
			// Old team's history is no longer ours to show.
			c.Convs.Clear()
			c.Resolves.RetainMessages(map[string]bool{})
		}
	case protocol.TypeMsgBatch:
		var batch protocol.MsgBatchMsg
		if json.Unmarshal(raw, &batch) != nil {
			return
		}
		c.mu.Lock()
		sameTeam := batch.TeamID == c.team.TeamID
		if sameTeam {
			// Live appends move the revision without a fresh metadata
			// frame; keep the per-conversation counts current too.
			found := false
			for i := range c.team.Convs {
				if c.team.Convs[i].EntityID == batch.EntityID {
					if batch.TotalCount > c.team.Convs[i].TotalCount {
						c.team.Convs[i].TotalCount = batch.TotalCount
						c.team.Revision++
					}
					found = true
				}
			}
			if !found {
				c.team.Convs = append(c.team.Convs, protocol.ConvSummary{
					EntityID:   batch.EntityID,
					TotalCount: batch.TotalCount,
				})
				c.team.Revision++
			}
		}
		c.mu.Unlock()
		if !sameTeam {
			// Stale batch from before a team switch.
			return
		}
		c.Convs.AddMessages(batch.EntityID, batch.Messages, batch.TotalCount, batch.StartIndex)
	case protocol.TypeResolveResult:
		var res protocol.ResolveResultMsg
		if json.Unmarshal(raw, &res) != nil {
			return
		}
		c.Resolves.HandleResult(res.MessageID, res.FieldKey, res.Value)
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if json.Unmarshal(raw, &e) == nil {
			logger.Warn("client_server_error", "code", e.Code, "message", e.Message)
		}
	default:
		// TYPING and future frame types reach the host via hooks later;
		// unknown types are skipped so the server can run ahead.
	}
}

func (c *Client) sendFrame(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return writeFrame(conn, v)
}

func writeFrame(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
