// Package ws is the agent's websocket gateway. Each accepted connection
// gets its own transport stack (accepted socket, optional data-channel
// peer, signaling relay, router) and a set of message handlers bridging
// the protocol to the terminal manager and transfer receiver.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/monitoring"
	"github.com/vibepilot/vibepilot/internal/protocol"
	"github.com/vibepilot/vibepilot/internal/shared/id"
	"github.com/vibepilot/vibepilot/internal/terminal"
	"github.com/vibepilot/vibepilot/internal/transfer"
	"github.com/vibepilot/vibepilot/internal/transport"
)

const agentName = "vibepilot"

// Config carries the gateway's tunables.
type Config struct {
	STUNServer    string
	UploadDir     string
	OrphanTimeout time.Duration
	Version       string
}

// Gateway accepts websocket connections and dispatches protocol
// messages. It owns the viewer bookkeeping that decides when a session
// loses its last viewer and must be orphaned.
type Gateway struct {
	manager     *terminal.Manager
	persistence *terminal.Persistence
	metrics     *monitoring.Metrics
	cfg         Config
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	viewers map[string]map[string]*client
}

// client is the per-connection state: one transport stack plus the set
// of sessions this connection is viewing.
type client struct {
	id        string
	socket    *transport.Socket
	peer      *transport.Peer
	signaling *transport.Signaling
	router    *transport.Router
	receiver  *transfer.Receiver

	mu       sync.Mutex
	sessions map[string]bool
}

func (c *client) track(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = true
	c.mu.Unlock()
}

func (c *client) forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *client) viewed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for sessionID := range c.sessions {
		out = append(out, sessionID)
	}
	return out
}

// NewGateway creates the gateway and its persistence layer. Orphaned
// sessions that expire are destroyed and announced to every connected
// client, since by definition they no longer have viewers.
func NewGateway(manager *terminal.Manager, metrics *monitoring.Metrics, cfg Config, logger *zap.Logger) *Gateway {
	g := &Gateway{
		manager: manager,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		viewers: make(map[string]map[string]*client),
	}
	g.persistence = terminal.NewPersistence(manager, cfg.OrphanTimeout, g.handleExpired, logger)
	return g
}

// Handle upgrades one HTTP request and serves it until disconnect.
func (g *Gateway) Handle(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	g.serve(conn)
}

// serve runs one connection to completion.
func (g *Gateway) serve(conn *websocket.Conn) {
	cl := &client{
		id:       id.Default().GenerateWithPrefix("conn"),
		socket:   transport.NewAcceptedSocket(conn, g.logger),
		receiver: transfer.NewReceiver(g.cfg.UploadDir, g.logger),
		sessions: make(map[string]bool),
	}

	// The data-channel transport is opportunistic: a failure here leaves
	// the connection on the websocket alone.
	var secondary transport.Secondary
	peer, err := transport.NewPeer(g.cfg.STUNServer, g.logger)
	if err != nil {
		g.logger.Warn("peer transport unavailable", zap.Error(err))
	} else {
		cl.peer = peer
		secondary = peer
		cl.signaling = transport.NewSignaling(cl.socket, peer, g.logger)
		cl.signaling.Start()
	}
	cl.router = transport.NewRouter(cl.socket, secondary, g.logger)
	cl.router.OnFallback(g.metrics.TransportFallbacks.Inc)

	g.register(cl)
	g.bind(cl)

	if err := cl.router.Send(protocol.SystemHello, protocol.HelloPayload{
		Agent:   agentName,
		Version: g.cfg.Version,
	}); err != nil {
		g.logger.Warn("sending hello", zap.String("conn_id", cl.id), zap.Error(err))
	}

	g.logger.Info("client connected", zap.String("conn_id", cl.id))
	cl.socket.Run()
	g.drop(cl)
	g.logger.Info("client disconnected", zap.String("conn_id", cl.id))
}

func (g *Gateway) register(cl *client) {
	g.mu.Lock()
	g.clients[cl.id] = cl
	g.mu.Unlock()
	g.metrics.Connections.Inc()
}

// bind wires the protocol handlers for one connection.
func (g *Gateway) bind(cl *client) {
	on := func(t protocol.MsgType, h func(*client, *protocol.Envelope)) {
		cl.router.On(t, func(env *protocol.Envelope) {
			g.metrics.Envelopes.WithLabelValues(string(t), monitoring.DirInbound).Inc()
			h(cl, env)
		})
	}

	on(protocol.TerminalCreate, g.handleCreate)
	on(protocol.TerminalInput, g.handleInput)
	on(protocol.TerminalResize, g.handleResize)
	on(protocol.TerminalDestroy, g.handleDestroy)
	on(protocol.TerminalAttach, g.handleAttach)
	on(protocol.TerminalSubscribe, g.handleSubscribe)
	on(protocol.TerminalListSessions, g.handleListSessions)
	on(protocol.ImageStart, g.handleTransferStart)
	on(protocol.ImageChunk, g.handleTransferChunk)
	on(protocol.ImageComplete, g.handleTransferComplete)
}

// drop tears down a disconnected client: its sinks are removed, and any
// session it was the last viewer of switches to buffering and starts
// the orphan timer.
func (g *Gateway) drop(cl *client) {
	if cl.signaling != nil {
		cl.signaling.Stop()
	}
	if cl.peer != nil {
		cl.peer.Close()
	}

	g.mu.Lock()
	delete(g.clients, cl.id)
	for _, sessionID := range cl.viewed() {
		if vs, ok := g.viewers[sessionID]; ok {
			delete(vs, cl.id)
			if len(vs) == 0 {
				delete(g.viewers, sessionID)
			}
		}
	}
	g.mu.Unlock()
	g.metrics.Connections.Dec()

	for _, sessionID := range cl.viewed() {
		g.manager.Unsubscribe(sessionID, cl.id)
		if g.manager.SubscriberCount(sessionID) > 0 {
			continue
		}
		exited, err := g.manager.IsExited(sessionID)
		if err != nil || exited {
			continue
		}
		if err := g.manager.DetachOutput(sessionID); err != nil {
			continue
		}
		cwd, _ := g.manager.Cwd(sessionID)
		g.persistence.Orphan(sessionID, cwd)
		g.metrics.SessionsOrphaned.Inc()
	}
}

// Close destroys every orphaned session. Used on process shutdown.
func (g *Gateway) Close() {
	g.persistence.DestroyAll()
}

// Persistence exposes the orphan layer for inspection.
func (g *Gateway) Persistence() *terminal.Persistence {
	return g.persistence
}

func (g *Gateway) handleCreate(cl *client, env *protocol.Envelope) {
	var p protocol.CreatePayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed terminal:create payload")
		return
	}

	alreadyLive := false
	if g.manager.Has(p.SessionID) {
		if exited, err := g.manager.IsExited(p.SessionID); err == nil && !exited {
			alreadyLive = true
		}
	}

	pid, err := g.manager.Create(p.SessionID, p.Cols, p.Rows, p.Cwd)
	if err != nil {
		g.sendError(cl, err.Error())
		return
	}

	if !alreadyLive {
		g.metrics.SessionsCreated.Inc()
		sessionID := p.SessionID
		if err := g.manager.OnExit(sessionID, func(code int) {
			g.persistence.HandleOrphanedExit(sessionID)
			g.broadcast(sessionID, protocol.TerminalExit, protocol.ExitPayload{
				SessionID: sessionID,
				Code:      code,
			})
			g.syncSessionGauge()
		}); err != nil {
			g.logger.Warn("registering exit callback", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	g.watch(cl, p.SessionID)
	g.syncSessionGauge()
	g.reply(cl, protocol.TerminalCreated, protocol.CreatedPayload{
		SessionID: p.SessionID,
		Pid:       pid,
	})
}

func (g *Gateway) handleInput(cl *client, env *protocol.Envelope) {
	var p protocol.InputPayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed terminal:input payload")
		return
	}
	if err := g.manager.Write(p.SessionID, []byte(p.Data)); err != nil {
		g.sendError(cl, err.Error())
	}
}

func (g *Gateway) handleResize(cl *client, env *protocol.Envelope) {
	var p protocol.ResizePayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed terminal:resize payload")
		return
	}
	if err := g.manager.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
		g.sendError(cl, err.Error())
	}
}

func (g *Gateway) handleDestroy(cl *client, env *protocol.Envelope) {
	var p protocol.DestroyPayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed terminal:destroy payload")
		return
	}

	// Cancel any pending orphan timer before the session disappears.
	g.persistence.Reclaim(p.SessionID)

	reason := "destroyed"
	if err := g.manager.Destroy(p.SessionID); err != nil {
		reason = "not-found"
	}

	g.broadcast(p.SessionID, protocol.TerminalDestroyed, protocol.DestroyedPayload{
		SessionID: p.SessionID,
		Reason:    reason,
	})
	if !g.isViewer(cl, p.SessionID) {
		g.reply(cl, protocol.TerminalDestroyed, protocol.DestroyedPayload{
			SessionID: p.SessionID,
			Reason:    reason,
		})
	}
	g.clearViewers(p.SessionID)
	g.syncSessionGauge()
}

func (g *Gateway) handleAttach(cl *client, env *protocol.Envelope) {
	var p protocol.AttachPayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed terminal:attach payload")
		return
	}

	reclaimed := g.persistence.Reclaim(p.SessionID)

	if !g.manager.Has(p.SessionID) {
		g.reply(cl, protocol.TerminalDestroyed, protocol.DestroyedPayload{
			SessionID: p.SessionID,
			Reason:    "not-found",
		})
		return
	}

	buffered, err := g.manager.AttachOutput(p.SessionID, cl.id, g.sink(cl, p.SessionID))
	if err != nil {
		g.sendError(cl, err.Error())
		return
	}

	cwd := ""
	if reclaimed != nil {
		cwd = reclaimed.LastCwd
	}
	if cwd == "" {
		cwd, _ = g.manager.Cwd(p.SessionID)
	}

	g.addViewer(cl, p.SessionID)
	g.reply(cl, protocol.TerminalAttached, protocol.AttachedPayload{
		SessionID: p.SessionID,
		Buffered:  string(buffered),
		Cwd:       cwd,
	})
}

func (g *Gateway) handleSubscribe(cl *client, env *protocol.Envelope) {
	var p protocol.SubscribePayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed terminal:subscribe payload")
		return
	}

	if !g.manager.Has(p.SessionID) {
		g.reply(cl, protocol.TerminalDestroyed, protocol.DestroyedPayload{
			SessionID: p.SessionID,
			Reason:    "not-found",
		})
		return
	}

	g.watch(cl, p.SessionID)
	g.reply(cl, protocol.TerminalSubscribed, protocol.SubscribedPayload{
		SessionID: p.SessionID,
	})
}

func (g *Gateway) handleListSessions(cl *client, env *protocol.Envelope) {
	infos := g.manager.List()
	sessions := make([]protocol.SessionInfo, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, protocol.SessionInfo{
			SessionID: info.ID,
			Pid:       info.Pid,
			Cols:      info.Cols,
			Rows:      info.Rows,
			Cwd:       info.Cwd,
			Exited:    info.Exited,
		})
	}
	g.reply(cl, protocol.TerminalSessions, protocol.SessionsPayload{Sessions: sessions})
}

func (g *Gateway) handleTransferStart(cl *client, env *protocol.Envelope) {
	var p protocol.TransferStartPayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed image:start payload")
		return
	}
	cl.receiver.Start(p.TransferID, p.Filename, p.TotalSize, p.MimeType)
}

func (g *Gateway) handleTransferChunk(cl *client, env *protocol.Envelope) {
	var p protocol.TransferChunkPayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed image:chunk payload")
		return
	}
	if err := cl.receiver.AddChunk(p.TransferID, p.ChunkIndex, p.Data); err != nil {
		g.sendError(cl, err.Error())
	}
}

func (g *Gateway) handleTransferComplete(cl *client, env *protocol.Envelope) {
	var p protocol.TransferCompletePayload
	if err := env.Into(&p); err != nil {
		g.sendError(cl, "malformed image:complete payload")
		return
	}

	saved, err := cl.receiver.Complete(p.TransferID)
	if err != nil {
		g.sendError(cl, err.Error())
		return
	}

	g.metrics.TransfersCompleted.Inc()
	g.metrics.TransferBytes.Add(float64(saved.Size))
	g.reply(cl, protocol.ImageSaved, protocol.TransferSavedPayload{
		TransferID: saved.TransferID,
		Path:       saved.Path,
	})
}

// handleExpired runs after the orphan timer destroyed a session. The
// session had no viewers, so the notice goes to every connected client.
func (g *Gateway) handleExpired(sessionID string) {
	g.metrics.SessionsExpired.Inc()
	g.syncSessionGauge()

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, cl := range g.clients {
		clients = append(clients, cl)
	}
	g.mu.Unlock()

	for _, cl := range clients {
		g.reply(cl, protocol.TerminalDestroyed, protocol.DestroyedPayload{
			SessionID: sessionID,
			Reason:    "expired",
		})
	}
}

// sink builds the per-client output sink for a session. Output flows
// through the router so it can ride the interactive sub-channel.
func (g *Gateway) sink(cl *client, sessionID string) terminal.Sink {
	return func(data []byte) {
		g.reply(cl, protocol.TerminalOutput, protocol.OutputPayload{
			SessionID: sessionID,
			Data:      string(data),
		})
	}
}

// watch registers a client as a viewer of a session. The session may be
// orphaned and buffering when a new viewer arrives, so this always
// cancels any pending orphan timer and attaches through the buffering
// state machine; output accumulated while unwatched is replayed to the
// new viewer.
func (g *Gateway) watch(cl *client, sessionID string) {
	g.persistence.Reclaim(sessionID)

	buffered, err := g.manager.AttachOutput(sessionID, cl.id, g.sink(cl, sessionID))
	if err != nil {
		g.logger.Warn("attaching viewer",
			zap.String("conn_id", cl.id),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	g.addViewer(cl, sessionID)

	if len(buffered) > 0 {
		g.reply(cl, protocol.TerminalOutput, protocol.OutputPayload{
			SessionID: sessionID,
			Data:      string(buffered),
		})
	}
}

func (g *Gateway) addViewer(cl *client, sessionID string) {
	g.mu.Lock()
	vs, ok := g.viewers[sessionID]
	if !ok {
		vs = make(map[string]*client)
		g.viewers[sessionID] = vs
	}
	vs[cl.id] = cl
	g.mu.Unlock()
	cl.track(sessionID)
}

func (g *Gateway) isViewer(cl *client, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.viewers[sessionID][cl.id]
	return ok
}

func (g *Gateway) clearViewers(sessionID string) {
	g.mu.Lock()
	vs := g.viewers[sessionID]
	delete(g.viewers, sessionID)
	g.mu.Unlock()

	for _, cl := range vs {
		cl.forget(sessionID)
	}
}

// broadcast sends one message to every viewer of a session.
func (g *Gateway) broadcast(sessionID string, t protocol.MsgType, payload any) {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.viewers[sessionID]))
	for _, cl := range g.viewers[sessionID] {
		clients = append(clients, cl)
	}
	g.mu.Unlock()

	for _, cl := range clients {
		g.reply(cl, t, payload)
	}
}

// reply sends one message to one client, counting it and absorbing
// transport errors.
func (g *Gateway) reply(cl *client, t protocol.MsgType, payload any) {
	g.metrics.Envelopes.WithLabelValues(string(t), monitoring.DirOutbound).Inc()
	if err := cl.router.Send(t, payload); err != nil {
		g.logger.Debug("send failed",
			zap.String("conn_id", cl.id),
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}

func (g *Gateway) sendError(cl *client, message string) {
	g.reply(cl, protocol.SystemError, protocol.ErrorPayload{Message: message})
}

func (g *Gateway) syncSessionGauge() {
	live := 0
	for _, info := range g.manager.List() {
		if !info.Exited {
			live++
		}
	}
	g.metrics.SessionsActive.Set(float64(live))
}
