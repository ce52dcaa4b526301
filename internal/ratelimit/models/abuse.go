package models

// AbuseRequest is the subset of an HTTP request the abuse heuristics inspect.
type AbuseRequest struct {
	Method         string
	Path           string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// AbuseReason names the heuristic that flagged a request.
type AbuseReason string

const (
	ReasonNone             AbuseReason = ""
	ReasonEmptyUserAgent   AbuseReason = "empty_user_agent"
	ReasonBadUserAgent     AbuseReason = "bad_user_agent"
	ReasonScannerUserAgent AbuseReason = "scanner_user_agent"
	ReasonSuspiciousPath   AbuseReason = "suspicious_path"
	ReasonRepeatOffender   AbuseReason = "repeat_offender"
	ReasonMissingHeaders   AbuseReason = "missing_negotiation_headers"
)

// AbuseVerdict is the outcome of the heuristics for one request.
type AbuseVerdict struct {
	Abusive bool
	Reason  AbuseReason
}

// Clean is the verdict for a request no heuristic flagged.
var Clean = AbuseVerdict{}

func Flagged(reason AbuseReason) AbuseVerdict {
	return AbuseVerdict{Abusive: true, Reason: reason}
}
