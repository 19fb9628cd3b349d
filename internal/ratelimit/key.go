package ratelimit

import "strings"

// KeyForDecision builds a limiter key for the resolved scope.
func KeyForDecision(userID string, decision Decision) string {
	userID = strings.TrimSpace(userID)
	if userID == "" || decision.Limit <= 0 {
		return ""
	}
	if decision.Scope != ScopeUser {
		return ""
	}
	return "u:" + userID
}
