// Package auth provides operator authentication for the coven-relay HTTP API.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. Tokens
// carry the operator name in "sub", the fixed audience "coven-relay" and an
// expiry. Mint one with:
//
//	coven-relay token <operator> [duration]
//
// # Middleware
//
//	HTTPAuthMiddleware(verifier)
//
// guards /api/*. With a nil verifier (no secret configured) the API is open and
// every action is attributed to the "anonymous" operator in the audit log.
package auth
