// Package auth authenticates operator API requests.
//
// Operators present an HS256 JWT signed with the configured jwt_secret,
// either in the Authorization header or, for streaming endpoints, in a
// query parameter. The "sub" claim is the operator id recorded on manual
// takeovers. Tokens are minted by the switchboard token command.
package auth
