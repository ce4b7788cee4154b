// Package websocket carries client connections and coordinates presence.
//
// The Hub's Run loop is the only place that connects, joins and disconnects
// clients, so presence transitions and their broadcasts are applied one at a
// time in arrival order. Message traffic is dispatched from each client's
// read goroutine straight into the pipeline.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/models"
	"chat-relay/internal/pipeline"
	"chat-relay/internal/presence"
	"chat-relay/internal/registry"
	"chat-relay/internal/rooms"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

var errHubClosed = errors.New("hub is shutting down")

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	OpTimeout      time.Duration
}

type joinRequest struct {
	client *Client
	ev     models.Join
	reply  chan error
}

type Hub struct {
	registry *registry.Registry
	rooms    *rooms.Membership
	presence *presence.Tracker
	pipeline *pipeline.Pipeline
	opts     Options

	clients    map[*Client]bool
	register   chan *Client
	joins      chan joinRequest
	unregister chan *Client
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	pumps      sync.WaitGroup
}

func NewHub(reg *registry.Registry, members *rooms.Membership, tracker *presence.Tracker, pipe *pipeline.Pipeline, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	return &Hub{
		registry:   reg,
		rooms:      members,
		presence:   tracker,
		pipeline:   pipe,
		opts:       opts,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		joins:      make(chan joinRequest),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			for client := range h.clients {
				h.disconnect(client)
			}
			logger.Info("Hub stopped")
			return

		case client := <-h.register:
			client.id = h.registry.Register(client)
			h.clients[client] = true
			close(client.ready)
			logger.Debug("Client connected", "conn", client.id, "user", client.authUser)

		case req := <-h.joins:
			req.reply <- h.join(req.client, req.ev)

		case client := <-h.unregister:
			if h.clients[client] {
				h.disconnect(client)
			}
		}
	}
}

// ServeConn registers conn with the hub and starts its pumps. authUser is the
// identity proven by the upgrade request, or "" for anonymous connections.
func (h *Hub) ServeConn(conn *websocket.Conn, authUser string) (*Client, error) {
	client := newClient(h, conn, authUser, h.opts.SendBuffer)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil, errHubClosed
	}
	<-client.ready

	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		client.WritePump()
	}()
	go func() {
		defer h.pumps.Done()
		client.ReadPump()
	}()
	return client, nil
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) requestJoin(c *Client, ev models.Join) error {
	req := joinRequest{client: c, ev: ev, reply: make(chan error, 1)}
	select {
	case h.joins <- req:
	case <-h.done:
		return errHubClosed
	}
	return <-req.reply
}

// join binds the user, moves the connection into the room, announces the user
// there once per online span and replies with who is already present.
func (h *Hub) join(c *Client, ev models.Join) error {
	userID := ev.UserID
	if c.authUser != "" {
		if userID != "" && userID != c.authUser {
			return fmt.Errorf("%w: token belongs to another user", models.ErrForbidden)
		}
		userID = c.authUser
	}
	if userID == "" {
		return fmt.Errorf("%w: userId is required", models.ErrInvalidInput)
	}

	change, err := h.presence.Bind(c.id, userID)
	if err != nil {
		return err
	}

	previous, err := h.rooms.Join(c.id, ev.RoomID)
	if err != nil {
		return err
	}
	roomID := h.rooms.RoomOf(c.id)
	if previous != "" && previous != roomID {
		logger.Debug("Client changed room", "conn", c.id, "from", previous, "to", roomID)
	}

	if h.presence.Announce(userID, roomID) {
		online := models.PresenceUpdate{Type: models.MessageTypePresenceUpdate, UserID: userID, IsOnline: true}
		if change != nil {
			online = change.Event()
		}
		h.rooms.Broadcast(roomID, online, c.id)
	}
	for _, update := range h.presence.Snapshot(roomID, c.id) {
		h.rooms.SendTo(c.id, update)
	}
	h.pipeline.RecordParticipant(roomID, userID)

	logger.Info("User joined room", "user", userID, "room", roomID, "conn", c.id)
	return nil
}

func (h *Hub) disconnect(c *Client) {
	delete(h.clients, c)
	roomID := h.rooms.Leave(c.id)

	if change := h.presence.Disconnect(c.id); change != nil {
		event := change.Event()
		for _, room := range change.Rooms {
			h.rooms.Broadcast(room, event, "")
		}
	}
	c.close()
	logger.Debug("Client disconnected", "conn", c.id, "room", roomID)
}

// Dispatch routes a decoded client event. Joins are serialised through Run;
// everything else is handled on the caller's goroutine.
func (h *Hub) Dispatch(ctx context.Context, c *Client, in models.Inbound) error {
	switch ev := in.(type) {
	case models.Join:
		return h.requestJoin(c, ev)

	case models.SendMessage:
		if err := h.fillSender(c, &ev); err != nil {
			return err
		}
		_, err := h.pipeline.Submit(ctx, c.id, ev)
		if errors.Is(err, models.ErrStoreFailure) {
			// the client already has a failed ack
			return nil
		}
		return err

	case models.UpdateStatus:
		err := h.pipeline.UpdateStatus(ctx, c.id, ev)
		if errors.Is(err, models.ErrStatusRegression) {
			return nil
		}
		return err

	case models.EditMessage:
		return h.pipeline.Edit(ctx, c.id, ev)

	case models.Typing:
		return h.typing(c, ev)

	case models.ClearRoom:
		_, err := h.pipeline.ClearRoom(ctx, c.id, ev.RoomID)
		return err

	default:
		return fmt.Errorf("%w: unsupported event %q", models.ErrInvalidInput, in.Type())
	}
}

// fillSender defaults senderId and roomId from the connection and refuses to
// let a bound connection speak for someone else.
func (h *Hub) fillSender(c *Client, ev *models.SendMessage) error {
	userID := h.registry.UserOf(c.id)
	if userID == "" {
		userID = c.authUser
	}
	if userID != "" {
		if ev.SenderID != "" && ev.SenderID != userID {
			return fmt.Errorf("%w: senderId does not match connection", models.ErrForbidden)
		}
		ev.SenderID = userID
	}
	if ev.RoomID == "" {
		ev.RoomID = h.rooms.RoomOf(c.id)
	}
	return nil
}

// typing is volatile: delivered at most once, never stored. It only reaches
// the room the connection is in.
func (h *Hub) typing(c *Client, ev models.Typing) error {
	userID := h.registry.UserOf(c.id)
	if userID == "" {
		return fmt.Errorf("%w: join before typing", models.ErrForbidden)
	}
	roomID := h.rooms.RoomOf(c.id)
	if roomID == "" {
		return fmt.Errorf("%w: join a room before typing", models.ErrInvalidInput)
	}
	if ev.RoomID != "" && ev.RoomID != roomID {
		return fmt.Errorf("%w: not a member of room %s", models.ErrForbidden, ev.RoomID)
	}

	h.rooms.Broadcast(roomID, models.PartnerTyping{
		Type:     models.MessageTypePartnerTyping,
		UserID:   userID,
		RoomID:   roomID,
		IsTyping: ev.IsTyping,
	}, c.id)
	return nil
}

type Stats struct {
	Connections int            `json:"connections"`
	OnlineUsers int            `json:"onlineUsers"`
	Rooms       map[string]int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.registry.Count(),
		OnlineUsers: h.registry.OnlineUsers(),
		Rooms:       h.rooms.Rooms(),
	}
}

// Shutdown disconnects every client, then waits for the pumps and for
// pending side effects until ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.shutdown) })

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	pumps := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(pumps)
	}()
	select {
	case <-pumps:
	case <-ctx.Done():
		return ctx.Err()
	}

	return h.pipeline.Effects().Wait(ctx)
}
