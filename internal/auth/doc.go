// Package auth provides bearer-token authentication for fleet-gateway.
//
// Tokens are HS256 JWTs signed with the configured jwt_secret. Each token
// carries a subject and a role:
//
//   - agent: presented on the agent WebSocket endpoint; the subject must
//     match the agent_id in the register frame
//   - operator: presented on the HTTP API
//
// RequireRole wraps an http.Handler, rejecting missing or invalid tokens
// with 401 and wrong-role tokens with 403. Verified claims are available to
// handlers through FromContext. When no secret is configured the gateway
// passes a nil verifier and the middleware is a no-op.
package auth
