package producer

import (
	"context"
	"time"

	"github.com/wiquzix/notification-pipeline/dto"
)

// PublishShareCreated announces a new share to its owner. Events of one share
// are keyed by its ID.
func (p *EventProducer) PublishShareCreated(ctx context.Context, shareID, userID string, data dto.ShareData) error {
	return p.Publish(ctx, dto.TopicShareCreated, dto.ShareCreated{
		ShareID:   shareID,
		UserID:    userID,
		Data:      data,
		EventType: dto.TopicShareCreated,
	}, shareID)
}

// PublishUserUpdated announces a profile creation or update, keyed by user.
func (p *EventProducer) PublishUserUpdated(ctx context.Context, userID string, data dto.UserData) error {
	return p.Publish(ctx, dto.TopicUserUpdated, dto.UserUpdated{
		UserID:    userID,
		Data:      data,
		EventType: dto.TopicUserUpdated,
	}, userID)
}

// PublishSendMessage asks the worker to deliver a ready-made chat message.
func (p *EventProducer) PublishSendMessage(ctx context.Context, message dto.MessageData) error {
	return p.Publish(ctx, dto.TopicSendMessage, dto.SendMessage{
		MessageData: &message,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		EventType:   dto.TopicSendMessage,
	}, "")
}
