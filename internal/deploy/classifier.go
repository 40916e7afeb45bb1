package deploy

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// Outcome is the semantic classification of a CloudFormation error. Raw
// provider error text is interpreted here and nowhere else.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeNotFound
	OutcomeNoOpUpdate
	OutcomeAccessDenied
	OutcomeAlreadyExists
	OutcomeThrottled
)

var accessDeniedCodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
}

var throttledCodes = map[string]bool{
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestLimitExceeded": true,
}

// Classify maps a provider error to a semantic outcome. CloudFormation
// reports both "stack does not exist" and "no updates are to be performed"
// under the ValidationError code, so the message disambiguates those two.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeUnknown
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return OutcomeUnknown
	}

	code := apiErr.ErrorCode()
	msg := strings.ToLower(apiErr.ErrorMessage())

	switch {
	case code == "ValidationError" && strings.Contains(msg, "does not exist"):
		return OutcomeNotFound
	case code == "ValidationError" && strings.Contains(msg, "no updates are to be performed"):
		return OutcomeNoOpUpdate
	case code == "AlreadyExistsException":
		return OutcomeAlreadyExists
	case accessDeniedCodes[code]:
		return OutcomeAccessDenied
	case throttledCodes[code]:
		return OutcomeThrottled
	default:
		return OutcomeUnknown
	}
}
