// Package auth provides optional bearer-token authentication for the gateway.
//
// Authentication is off unless a JWT secret is configured. When it is on:
//
//   - /ws and /api/* require an HS256 JWT, from the Authorization header or
//     a token query parameter
//   - the token subject is the only user the connection or request may act as;
//     CheckActor rejects a senderId or userId that differs
//
// Middleware stores the caller's Identity in the request context; handlers read
// it back with FromContext. A nil Identity means authentication is disabled.
package auth
