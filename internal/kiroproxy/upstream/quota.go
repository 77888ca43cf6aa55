package upstream

// friendlyQuotaMessages maps upstream quota/throttle error codes to the
// client-facing message the proxy substitutes for the raw upstream text.
var friendlyQuotaMessages = map[string]string{
	"CONTENT_LENGTH_EXCEEDS_THRESHOLD": "Request is too large for the upstream model. Please shorten the conversation or attachments.",
	"MONTHLY_REQUEST_LIMIT_REACHED":    "Monthly request limit reached. Please wait until next month or upgrade your plan.",
	"MONTHLY_REQUEST_COUNT":            "Monthly request limit reached. Please wait until next month or upgrade your plan.",
	"RATE_LIMIT_EXCEEDED":              "Rate limit exceeded. Please slow down and try again shortly.",
	"SERVICE_UNAVAILABLE":              "The upstream service is temporarily unavailable. Please try again shortly.",
	"THROTTLING_EXCEPTION":             "The upstream service is throttling requests. Please try again shortly.",
	"VALIDATION_EXCEPTION":             "The request was rejected by the upstream service as invalid.",
}

// quotaCodes are the codes that classify as QuotaError rather than a plain
// UpstreamPermanent/UpstreamTransient error.
var quotaCodes = map[string]bool{
	"CONTENT_LENGTH_EXCEEDS_THRESHOLD": true,
	"MONTHLY_REQUEST_LIMIT_REACHED":    true,
	"MONTHLY_REQUEST_COUNT":            true,
	"RATE_LIMIT_EXCEEDED":              true,
	"SERVICE_UNAVAILABLE":              true,
	"THROTTLING_EXCEPTION":             true,
	"VALIDATION_EXCEPTION":             true,
}

// friendlyMessage returns the enhancement-table message for code, or
// fallback when code is unrecognized.
func friendlyMessage(code, fallback string) string {
	if msg, ok := friendlyQuotaMessages[code]; ok {
		return msg
	}
	return fallback
}

func isQuotaCode(code string) bool {
	return quotaCodes[code]
}
