// Package push delivers thread notifications to customer devices through
// Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// maxTokensPerBatch is the FCM multicast limit.
const maxTokensPerBatch = 500

var ErrDisabled = errors.New("push notifications disabled")

type Payload struct {
	Title string
	Body  string
	Data  map[string]string
}

// BatchResult reports per-token delivery. InvalidTokens lists tokens FCM no
// longer recognises; callers should forget them.
type BatchResult struct {
	Sent          int
	Failed        int
	InvalidTokens []string
}

type Gateway interface {
	SendMulticast(ctx context.Context, tokens []string, payload Payload) (BatchResult, error)
}

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCM struct {
	client multicastSender
}

// NewFCM builds a gateway from a service account file.
func NewFCM(ctx context.Context, credentialsFile string) (*FCM, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) SendMulticast(ctx context.Context, tokens []string, payload Payload) (BatchResult, error) {
	var result BatchResult
	for start := 0; start < len(tokens); start += maxTokensPerBatch {
		end := start + maxTokensPerBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]
		response, err := f.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens: batch,
			Notification: &messaging.Notification{
				Title: payload.Title,
				Body:  payload.Body,
			},
			Data: payload.Data,
		})
		if err != nil {
			result.Failed += len(batch)
			return result, fmt.Errorf("send multicast: %w", err)
		}
		result.Sent += response.SuccessCount
		result.Failed += response.FailureCount
		for i, item := range response.Responses {
			if item == nil || item.Success || i >= len(batch) {
				continue
			}
			if messaging.IsRegistrationTokenNotRegistered(item.Error) || messaging.IsInvalidArgument(item.Error) {
				result.InvalidTokens = append(result.InvalidTokens, batch[i])
			}
		}
	}
	return result, nil
}

// Disabled is used when no Firebase credentials are configured.
type Disabled struct{}

func (Disabled) SendMulticast(context.Context, []string, Payload) (BatchResult, error) {
	return BatchResult{}, ErrDisabled
}
