package websocket

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
	"marketchat/pkg/logger"
)

// ManagerConfig tunes the per-connection pumps.
type ManagerConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	return c
}

// Manager owns connection lifecycles and routes inbound events into the
// conversation use case.
type Manager struct {
	registry      *Registry
	dispatcher    *Dispatcher
	conversations *usecase.ConversationUseCase
	cfg           ManagerConfig
}

func NewManager(registry *Registry, dispatcher *Dispatcher, conversations *usecase.ConversationUseCase, cfg ManagerConfig) *Manager {
	return &Manager{
		registry:      registry,
		dispatcher:    dispatcher,
		conversations: conversations,
		cfg:           cfg.withDefaults(),
	}
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// Serve runs one authenticated connection until it closes. The caller has
// already resolved identity; unauthenticated upgrades never reach here.
func (m *Manager) Serve(ctx context.Context, conn *websocket.Conn, identity *entity.Identity) {
	client := NewClient(conn, identity, m.cfg.SendBuffer)
	m.connect(client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumps := pumpConfig{
		writeWait:      m.cfg.WriteWait,
		pongWait:       m.cfg.PongWait,
		pingPeriod:     m.cfg.PingPeriod,
		maxMessageSize: m.cfg.MaxMessageSize,
	}
	go client.writePump(pumps)

	client.readPump(pumps, func(frame []byte) {
		m.HandleClientMessage(ctx, client, frame)
	})

	m.disconnect(context.WithoutCancel(ctx), client)
}

func (m *Manager) connect(client *Client) {
	m.registry.Register(client)
	logger.Info("Client registered: connection=%s, user=%s, total=%d", client.ID, client.UserID, m.registry.Count())
	m.dispatcher.UserStatusChanged(client.identity(), true)
}

// disconnect drops the connection from the registry, clears its typing state
// and mirrors presence for the rooms it had joined.
func (m *Manager) disconnect(ctx context.Context, client *Client) {
	_, rooms, _ := m.registry.Unregister(client.ID)
	client.Close()
	logger.Info("Client unregistered: connection=%s, user=%s, total=%d", client.ID, client.UserID, m.registry.Count())

	var left []string
	for _, conversationID := range rooms {
		if m.registry.IsUserInConversation(client.UserID, conversationID) {
			continue
		}
		left = append(left, conversationID)
		if err := m.conversations.SetTyping(ctx, client.identity(), conversationID, false); err != nil {
			logger.Debug("Disconnect: typing stop for %s in %s: %v", client.UserID, conversationID, err)
		}
	}
	m.conversations.MirrorPresence(ctx, client.UserID, left, false)

	m.dispatcher.UserStatusChanged(client.identity(), m.registry.IsOnline(client.UserID))
}
