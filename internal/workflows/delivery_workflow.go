package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const SendVerificationEmailActivity = "SendVerificationEmail"

// DeliveryInput carries a sealed payload so the address and the link
// never appear in workflow history in clear text.
type DeliveryInput struct {
	Sealed string
}

type DeliveryResult struct {
	Status string
}

func DeliverVerificationEmail(ctx workflow.Context, input DeliveryInput) (DeliveryResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	logger := workflow.GetLogger(ctx)
	if err := workflow.ExecuteActivity(ctx, SendVerificationEmailActivity, input).Get(ctx, nil); err != nil {
		logger.Error("verification email delivery failed", "error", err)
		return DeliveryResult{Status: "failed"}, err
	}
	return DeliveryResult{Status: "sent"}, nil
}
