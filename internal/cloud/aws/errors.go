package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/neurodeploy/platform/internal/apperr"
)

var throttleCodes = codeSet(
	"Throttling",
	"ThrottlingException",
	"ThrottledException",
	"TooManyRequestsException",
	"RequestLimitExceeded",
	"PriorRequestNotComplete",
	"SlowDown",
	"EC2ThrottledException",
	"LimitExceededException",
	"ProvisionedThroughputExceeded",
)

var unavailableCodes = codeSet(
	"ServiceException",
	"ServiceUnavailable",
	"ServiceUnavailableException",
	"InternalFailure",
	"InternalError",
	"ResourceNotReadyException",
	"ResourceInUseException",
)

var notFoundCodes = codeSet(
	"NotFound",
	"NotFoundException",
	"NoSuchKey",
	"NoSuchHostedZone",
	"ResourceNotFoundException",
)

var alreadyExistsCodes = codeSet(
	"ConflictException",
	"ResourceConflictException",
	"ResourceExistsException",
)

func codeSet(codes ...string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

func apiError(err error) (smithy.APIError, bool) {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsNotFound reports whether err means the resource does not exist
func IsNotFound(err error) bool {
	ae, ok := apiError(err)
	if !ok {
		return false
	}
	if notFoundCodes[ae.ErrorCode()] {
		return true
	}
	// Route 53 reports deleting a missing record as an invalid change batch
	return ae.ErrorCode() == "InvalidChangeBatch" && strings.Contains(ae.ErrorMessage(), "not found")
}

// IsAlreadyExists reports whether err means the resource is already present
func IsAlreadyExists(err error) bool {
	ae, ok := apiError(err)
	if !ok {
		return false
	}
	if alreadyExistsCodes[ae.ErrorCode()] {
		return true
	}
	return ae.ErrorCode() == "InvalidChangeBatch" && strings.Contains(ae.ErrorMessage(), "already exists")
}

// IsThrottled reports whether err is a provider rate limit
func IsThrottled(err error) bool {
	if ae, ok := apiError(err); ok && throttleCodes[ae.ErrorCode()] {
		return true
	}
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 429
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ae, ok := apiError(err); ok {
		if unavailableCodes[ae.ErrorCode()] {
			return true
		}
		if ae.ErrorFault() == smithy.FaultServer {
			return true
		}
	}
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() >= 500
}

// classify wraps a provider error with the matching apperr kind. Already
// classified errors and nil pass through unchanged.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case IsThrottled(err):
		return apperr.Wrap(err, apperr.KindUpstreamThrottled, message)
	case IsNotFound(err):
		return apperr.Wrap(err, apperr.KindNotFound, message)
	case IsAlreadyExists(err):
		return apperr.Wrap(err, apperr.KindAlreadyExists, message)
	case isUnavailable(err):
		return apperr.Wrap(err, apperr.KindUpstreamUnavailable, message)
	default:
		return apperr.Wrap(err, apperr.KindInternal, message)
	}
}
