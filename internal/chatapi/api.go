// Package chatapi is the REST and websocket transport of the chat service.
package chatapi

import (
	"context"
	"time"
)

// API is the set of remote calls the sync workers issue.
type API interface {
	QueryChannels(ctx context.Context, q ChannelQuery) (*QueryChannelsResponse, error)
	QueryUsers(ctx context.Context, q UserQuery) (*QueryUsersResponse, error)
	MissingEvents(ctx context.Context, since time.Time, cids []string) (*MissingEventsResponse, error)
	SendMessage(ctx context.Context, cid string, msg MessageRequest) (*MessagePayload, error)
	UpdateMessage(ctx context.Context, msg MessageRequest) (*MessagePayload, error)
}
