package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/store"
)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func channelFromPayload(p *chatapi.ChannelPayload) *store.Channel {
	return &store.Channel{
		CID:           p.CID,
		Type:          p.Type,
		ID:            p.ID,
		Name:          p.Name,
		MemberCount:   p.MemberCount,
		LastMessageAt: millis(p.LastMessageAt),
		Extra:         p.Extra,
		CreatedAt:     millis(p.CreatedAt),
	}
}

func userFromPayload(p *chatapi.UserPayload) *store.User {
	u := &store.User{
		ID:     p.ID,
		Name:   p.Name,
		Role:   p.Role,
		Online: p.Online,
	}
	if p.LastActive != nil {
		u.LastActiveAt = p.LastActive.UnixMilli()
	}
	return u
}

func messageFromPayload(cid string, p *chatapi.MessagePayload) *store.Message {
	if p.CID != "" {
		cid = p.CID
	}
	return &store.Message{
		ID:        p.ID,
		CID:       cid,
		UserID:    p.UserID(),
		Text:      p.Text,
		Type:      p.Type,
		Deleted:   p.DeletedAt != nil,
		CreatedAt: millis(p.CreatedAt),
		UpdatedAt: millis(p.UpdatedAt),
	}
}

// saveChannelState stores one query result entry: the channel, the unread
// count of userID, and the returned messages with their authors.
func saveChannelState(ctx context.Context, tx *store.Tx, st chatapi.ChannelState, userID string, watched bool) (string, error) {
	ch := channelFromPayload(st.Channel)
	ch.IsWatched = watched
	for _, r := range st.Read {
		if r.User.ID == userID {
			ch.UnreadCount = r.UnreadCount
		}
	}
	if err := tx.SaveChannel(ctx, ch); err != nil {
		return "", fmt.Errorf("save channel %s: %w", ch.CID, err)
	}
	for i := range st.Messages {
		m := &st.Messages[i]
		if m.User != nil {
			if err := tx.SaveUser(ctx, userFromPayload(m.User)); err != nil {
				return "", fmt.Errorf("save user %s: %w", m.User.ID, err)
			}
		}
		if err := tx.SaveRemoteMessage(ctx, messageFromPayload(ch.CID, m)); err != nil {
			return "", fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}
	return ch.CID, nil
}
