package channels

import (
	"context"
	"errors"

	"github.com/sipeed/beacon/pkg/bus"
)

type fakeChannel struct {
	BaseChannel
	name        string
	failConnect bool
	connected   bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(ctx context.Context) error {
	if f.failConnect {
		return errors.New("boom")
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.connected = false
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error { return nil }
func (f *fakeChannel) SendTyping(ctx context.Context, chatID string) error     { return nil }
func (f *fakeChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}
func (f *fakeChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}
