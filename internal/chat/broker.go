package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AashishAdhikari27/go-chat-app/internal/models"
)

// ErrEmptyMessage rejects empty or whitespace-only message text. It is a
// client error: the sender is told, the connection stays open.
var ErrEmptyMessage = errors.New("message text is empty")

// BackfillLimit is the number of historical messages replayed to a
// newly joined connection.
const BackfillLimit = 20

// MessageStore persists room messages and serves bounded history reads.
type MessageStore interface {
	InsertMessage(text string, userID, roomID int64) (*models.Message, error)
	RecentMessages(roomID int64, limit int) ([]models.WireMessage, error)
}

// Broker turns one inbound message event into a persisted record and an
// ordered fan-out to every live member of the room.
type Broker struct {
	store    MessageStore
	registry *Registry

	// Serializes persist+fan-out so that the order members observe is
	// the order the store assigned. Coarse on purpose: rooms are small
	// and the lock is never held while the registry lock is wanted by
	// Join/Leave for longer than a map copy.
	mu sync.Mutex
}

func NewBroker(store MessageStore, registry *Registry) *Broker {
	return &Broker{store: store, registry: registry}
}

// Publish persists the message and delivers it to every member of the
// room, sequentially, in snapshot order. A member whose send fails is
// treated as disconnected: it is removed from the room and its
// connection closed, and delivery continues to the remaining members.
// Storage failures are returned to the caller; delivery failures are
// not.
func (b *Broker) Publish(roomID int64, author *models.User, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msg, err := b.store.InsertMessage(text, author.ID, roomID)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	payload := models.WireMessage{
		ID:        msg.ID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		Username:  author.Username,
	}

	for _, member := range b.registry.Members(roomID) {
		if err := member.Deliver(payload); err != nil {
			// One broken connection must never block delivery to the
			// rest of the room.
			b.registry.Leave(roomID, member)
			member.Close()
			slog.Warn("Dropped room member after failed delivery", "room_id", roomID, "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// Recent returns up to limit historical messages for a room in
// chronological order, oldest first. The store serves them newest first;
// the reversal happens here so callers never depend on store ordering.
func (b *Broker) Recent(roomID int64, limit int) ([]models.WireMessage, error) {
	if limit <= 0 {
		limit = BackfillLimit
	}
	messages, err := b.store.RecentMessages(roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
