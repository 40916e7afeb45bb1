package deploy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeUnknown},
		{"plain error", errors.New("dial tcp: timeout"), OutcomeUnknown},
		{
			"stack not found",
			apiError("ValidationError", "Stack with id demo-stack does not exist"),
			OutcomeNotFound,
		},
		{
			"no-op update",
			apiError("ValidationError", "No updates are to be performed."),
			OutcomeNoOpUpdate,
		},
		{
			"other validation error",
			apiError("ValidationError", "Template format error"),
			OutcomeUnknown,
		},
		{"already exists", apiError("AlreadyExistsException", "Stack already exists"), OutcomeAlreadyExists},
		{"access denied", apiError("AccessDenied", "not authorized"), OutcomeAccessDenied},
		{"access denied exception", apiError("AccessDeniedException", "not authorized"), OutcomeAccessDenied},
		{"unauthorized", apiError("UnauthorizedOperation", "not authorized"), OutcomeAccessDenied},
		{"throttling", apiError("Throttling", "rate exceeded"), OutcomeThrottled},
		{"request limit", apiError("RequestLimitExceeded", "rate exceeded"), OutcomeThrottled},
		{
			"wrapped api error",
			fmt.Errorf("DescribeStacks: %w", apiError("ValidationError", "Stack with id x does not exist")),
			OutcomeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTerminalStatus(t *testing.T) {
	terminal := []string{"CREATE_COMPLETE", "UPDATE_COMPLETE", "ROLLBACK_COMPLETE", "CREATE_FAILED", "UPDATE_ROLLBACK_FAILED", "DELETE_COMPLETE"}
	for _, s := range terminal {
		if !isTerminalStatus(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	inFlight := []string{"CREATE_IN_PROGRESS", "UPDATE_IN_PROGRESS", "ROLLBACK_IN_PROGRESS", "DELETE_IN_PROGRESS"}
	for _, s := range inFlight {
		if isTerminalStatus(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
