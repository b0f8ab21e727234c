// ABOUTME: In-memory Backend implementation used standalone or as the fallback shadow
// ABOUTME: Process-local maps guarded by a RWMutex with a bounded per-contact message window

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Backend. Its contents are lost on restart.
// Each contact keeps at most MessageRetention messages; older ones are
// discarded and MessageCount reflects what is retained.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by phone key
	messages      map[string][]*Message    // keyed by phone key, insertion order
	retention     int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		retention:     MessageRetention,
	}
}

// GetConversation returns a copy of the stored conversation.
func (m *MemoryStore) GetConversation(ctx context.Context, phoneKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[phoneKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// UpsertConversation creates or merges the record for phoneKey.
func (m *MemoryStore) UpsertConversation(ctx context.Context, phoneKey string, upd ConversationUpdate, at time.Time) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreateLocked(phoneKey, at)
	mergeUpdate(c, upd)
	c.LastActivityAt = at
	return copyConversation(c), nil
}

// AppendMessage appends msg and trims the log to the retention window.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message, contactName string) (*Message, *Conversation, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreateLocked(stored.PhoneKey, stored.Timestamp)

	log := append(m.messages[stored.PhoneKey], &stored)
	if len(log) > m.retention {
		log = append([]*Message(nil), log[len(log)-m.retention:]...)
	}
	m.messages[stored.PhoneKey] = log

	if KnownName(contactName) {
		c.ContactName = contactName
	} else if c.ContactName == "" {
		c.ContactName = UnknownContact
	}
	c.MessageCount = len(log)
	c.LastActivityAt = stored.Timestamp

	out := stored
	return &out, copyConversation(c), nil
}

// ListMessages returns up to limit of the newest messages, oldest first.
func (m *MemoryStore) ListMessages(ctx context.Context, phoneKey string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tailLocked(phoneKey, limit), nil
}

// ListConversations returns filtered conversations, most recently active first.
func (m *MemoryStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := searchName(strings.TrimSpace(filter.Query))

	result := make([]*Conversation, 0, len(m.conversations))
	for key, c := range m.conversations {
		if !filter.ActiveSince.IsZero() && !c.LastActivityAt.After(filter.ActiveSince) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(key), query) &&
			!strings.Contains(searchName(c.ContactName), query) {
			continue
		}
		cp := copyConversation(c)
		if filter.RecentMessages > 0 {
			cp.RecentMessages = m.tailLocked(key, filter.RecentMessages)
		}
		result = append(result, cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].LastActivityAt.Equal(result[j].LastActivityAt) {
			return result[i].PhoneKey < result[j].PhoneKey
		}
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})

	return result, nil
}

// DeleteConversation removes the record and its messages.
func (m *MemoryStore) DeleteConversation(ctx context.Context, phoneKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.conversations[phoneKey]
	_, hadMessages := m.messages[phoneKey]
	delete(m.conversations, phoneKey)
	delete(m.messages, phoneKey)
	return existed || hadMessages, nil
}

// Stats aggregates counts across all conversations.
func (m *MemoryStore) Stats(ctx context.Context, activeSince time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{Timestamp: time.Now().UTC()}
	for key, c := range m.conversations {
		stats.TotalConversations++
		if c.IsManual() {
			stats.ManualMode++
		}
		if c.LastActivityAt.After(activeSince) {
			stats.ActiveToday++
		}
		stats.TotalMessages += len(m.messages[key])
	}
	stats.AutoMode = stats.TotalConversations - stats.ManualMode
	return stats, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) getOrCreateLocked(phoneKey string, at time.Time) *Conversation {
	c, ok := m.conversations[phoneKey]
	if !ok {
		c = &Conversation{
			PhoneKey:  phoneKey,
			Mode:      ModeAuto,
			CreatedAt: at,
		}
		m.conversations[phoneKey] = c
	}
	return c
}

func (m *MemoryStore) tailLocked(phoneKey string, limit int) []*Message {
	log := m.messages[phoneKey]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]*Message, len(log))
	for i, msg := range log {
		cp := *msg
		out[i] = &cp
	}
	return out
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.AssignedOperator != nil {
		op := *c.AssignedOperator
		cp.AssignedOperator = &op
	}
	if c.ManualModeStartedAt != nil {
		t := *c.ManualModeStartedAt
		cp.ManualModeStartedAt = &t
	}
	if c.ManualModeEndedAt != nil {
		t := *c.ManualModeEndedAt
		cp.ManualModeEndedAt = &t
	}
	cp.RecentMessages = nil
	return &cp
}
