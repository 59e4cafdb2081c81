package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "chat-mail"

// Service starts delivery workflows. It satisfies the verification
// Deliverer contract, so the issuer returns once the workflow is
// accepted rather than once the mail is sent.
type Service struct {
	client    client.Client
	taskQueue string
	key       []byte
	newID     func() string
}

func NewService(client client.Client, taskQueue string, key []byte) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue, key: key, newID: uuid.NewString}
}

func (s *Service) Deliver(ctx context.Context, email, link string) error {
	sealed, err := sealPayload(s.key, DeliveryPayload{Email: email, Link: link})
	if err != nil {
		return fmt.Errorf("seal delivery payload: %w", err)
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(s.newID()),
		TaskQueue: s.taskQueue,
	}
	if _, err := s.client.ExecuteWorkflow(ctx, options, DeliverVerificationEmail, DeliveryInput{Sealed: sealed}); err != nil {
		return fmt.Errorf("start delivery workflow: %w", err)
	}
	return nil
}

func workflowID(deliveryID string) string {
	return fmt.Sprintf("verification-email:%s", deliveryID)
}
