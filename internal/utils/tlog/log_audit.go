package tlog

// Audit events carry identifiers only, never token material.

func AuditCodeIssued(authorizationID, userID, organizationID, clientName string) {
	Audit.Info().
		Str("event", "authorization_code").
		Str("result", "issued").
		Str("authorization_id", authorizationID).
		Str("user_id", userID).
		Str("organization_id", organizationID).
		Str("client", clientName).
		Send()
}

func AuditCodeExchange(authorizationID string, success bool) {
	event := Audit.Info()
	result := "success"
	if !success {
		event = Audit.Warn()
		result = "failure"
	}
	event.
		Str("event", "code_exchange").
		Str("result", result).
		Str("authorization_id", authorizationID).
		Send()
}

func AuditTokenRefresh(authorizationID string, success bool) {
	event := Audit.Info()
	result := "success"
	if !success {
		event = Audit.Warn()
		result = "failure"
	}
	event.
		Str("event", "token_refresh").
		Str("result", result).
		Str("authorization_id", authorizationID).
		Send()
}

func AuditRevocation(authorizationID string) {
	Audit.Info().
		Str("event", "revocation").
		Str("result", "success").
		Str("authorization_id", authorizationID).
		Send()
}

func AuditRateLimited(keyType, keyValue string, limit int) {
	Audit.Warn().
		Str("event", "rate_limit").
		Str("result", "rejected").
		Str("key_type", keyType).
		Str("key", keyValue).
		Int("limit", limit).
		Send()
}
