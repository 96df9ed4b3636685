package httpserver

// Client-visible error codes. Each maps to a fixed HTTP status except
// upstream relays, which keep whatever status the provider returned.
const (
	codeUnauthenticated     = "unauthenticated"      // 401
	codeForbidden           = "forbidden"            // 403
	codeInvalidArgument     = "invalid_argument"     // 400
	codeRateLimited         = "rate_limited"         // 429
	codeUpstreamUnavailable = "upstream_unavailable" // 502
	codeStorageUnavailable  = "storage_unavailable"  // 500
)

// msgUpstreamUnavailable is the only message clients see for transport-level
// upstream failures. The real error is logged server-side; raw transport
// errors can carry hostnames and dial details that do not belong in responses.
const msgUpstreamUnavailable = "upstream provider unavailable"
