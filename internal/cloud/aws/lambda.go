package aws

import (
	"context"
	"errors"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/neurodeploy/platform/internal/apperr"
)

type lambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Executor invokes Lambda functions synchronously
type Executor struct {
	client lambdaAPI
}

// NewExecutor creates an Executor from an SDK config
func NewExecutor(cfg awssdk.Config) *Executor {
	return &Executor{client: lambda.NewFromConfig(cfg)}
}

// Invoke calls function with payload and returns its response payload.
// Errors raised inside the function are not Go errors: Lambda reports them
// in the payload as {"errorMessage": ...}, which is returned as is.
// Throttling, capacity and timeout failures are UpstreamThrottled.
func (e *Executor) Invoke(ctx context.Context, function string, payload []byte) ([]byte, error) {
	out, err := e.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   awssdk.String(function),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return nil, classifyInvoke(err)
	}
	return out.Payload, nil
}

func classifyInvoke(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(err, apperr.KindUpstreamThrottled, "execution backend timed out")
	}
	if ae, ok := apiError(err); ok {
		switch ae.ErrorCode() {
		case "ResourceConflictException", "ResourceNotReadyException", "ServiceException",
			"EC2ThrottledException", "ENILimitReachedException", "SubnetIPAddressLimitReachedException":
			return apperr.Wrap(err, apperr.KindUpstreamThrottled, "execution backend unavailable")
		}
	}
	if IsThrottled(err) {
		return apperr.Wrap(err, apperr.KindUpstreamThrottled, "execution backend throttled")
	}
	return classify(err, "execution backend failed")
}
