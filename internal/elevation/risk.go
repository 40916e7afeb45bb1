package elevation

import (
	"strings"

	"github.com/pchinjr/no-wing/internal/core"
)

// Keyword tables for audit risk classification. Matching is against the
// lowercased "service:operation" string.
var highRiskKeywords = []string{
	"iam",
	"delete",
	"policy",
	"permission",
	"terminate",
}

var readOnlyPrefixes = []string{
	"get",
	"list",
	"describe",
	"lookup",
	"head",
	"validate",
}

var writePrefixes = []string{
	"create",
	"update",
	"put",
	"upload",
	"deploy",
	"start",
	"stop",
}

// ClassifyRisk maps an operation to its audit risk level. IAM, delete, and
// policy-mutation operations are high; creation or update of compute and
// storage resources is medium; reads and logging are low.
func ClassifyRisk(op core.OperationContext) core.RiskLevel {
	subject := strings.ToLower(op.Service + ":" + op.Operation)
	for _, kw := range highRiskKeywords {
		if strings.Contains(subject, kw) {
			return core.RiskHigh
		}
	}

	action := strings.ToLower(op.Operation)
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(action, prefix) {
			return core.RiskLow
		}
	}
	for _, prefix := range writePrefixes {
		if strings.HasPrefix(action, prefix) {
			return core.RiskMedium
		}
	}
	return core.RiskMedium
}
