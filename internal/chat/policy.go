// Package chat routes teacher and student chat lines so each side sees
// the right thread.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proctorhub/internal/router"
	"proctorhub/pkg/types"
)

// Policy handles chat:join, chat:message and chat:typing.
type Policy struct {
	router *router.Router
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewPolicy(r *router.Router, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		router: r,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

func (p *Policy) Events() []string {
	return []string{types.EventChatJoin, types.EventChatMessage, types.EventChatTyping}
}

func (p *Policy) Handle(connID string, msg types.Message) error {
	switch m := msg.(type) {
	case *types.ChatJoin:
		return p.router.Join(connID, room(m.RoomKey()), m.UserType, m.UserID)
	case *types.ChatTyping:
		p.router.BroadcastToRoom(room(m.RoomKey()), &types.Outbound{Event: types.EventChatTyping, Data: m}, connID)
	case *types.ChatMessage:
		p.distribute(connID, m)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledMessage, msg.EventName())
	}
	return nil
}

func room(key string) types.RoomRef {
	return types.RoomRef{Kind: types.RoomChat, Key: key}
}

// stamp builds one delivered copy of m with a fresh id and timestamp.
func (p *Policy) stamp(m types.ChatMessage) *types.Outbound {
	return &types.Outbound{
		Event: types.EventChatMessage,
		Data:  types.ChatMessageRelay{ChatMessage: m, ID: p.newID(), Timestamp: p.now()},
	}
}

func (p *Policy) distribute(connID string, m *types.ChatMessage) {
	ref := room(m.RoomKey())

	switch {
	case m.SenderType == types.RoleTeacher && m.RecipientID != "":
		// One logical message: the student and the teacher's own thread
		// share the id.
		out := p.stamp(*m)
		delivered := p.router.DeliverToMembers(ref, m.RecipientID, "", out)
		if m.SenderID != m.RecipientID {
			delivered = append(delivered, p.router.DeliverToMembers(ref, m.SenderID, "", out)...)
		}
		p.logger.Debug("chat message to student",
			zap.String("room", ref.String()),
			zap.String("recipient_id", m.RecipientID),
			zap.Int("deliveries", len(delivered)))

	case m.SenderType == types.RoleStudent:
		tagged := *m
		tagged.RecipientID = m.SenderID
		teachers := p.router.BroadcastEach(ref, types.RoleTeacher, connID, func() *types.Outbound {
			return p.stamp(tagged)
		})
		p.router.Unicast(connID, p.stamp(tagged))
		p.logger.Debug("chat message to teachers",
			zap.String("room", ref.String()),
			zap.Int("teachers", len(teachers)))

	default:
		p.logger.Debug("chat fallback broadcast",
			zap.String("room", ref.String()),
			zap.String("sender_type", m.SenderType))
		p.router.BroadcastEach(ref, "", "", func() *types.Outbound { return p.stamp(*m) })
	}
}
