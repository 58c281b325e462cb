// Package auth authenticates worker nodes and HTTP API callers.
//
// # Node Registration
//
// Every node.register frame may carry a token. The gateway hands it to a
// Verifier together with the node id the frame claims:
//
//   - JWTVerifier accepts HS256 tokens whose "sub" claim equals the node id
//   - ControlAPIVerifier asks the control API, with a per-call timeout and
//     bounded retries on transient failures
//   - Chain accepts a token if any of its verifiers does
//   - AllowAll accepts everything and is used when no secret or control API
//     is configured
//
// # HTTP API
//
// BearerMiddleware protects the gateway's HTTP API with JWTs issued by the
// same secret. The authenticated subject is available to handlers via
// PrincipalFromContext.
package auth
