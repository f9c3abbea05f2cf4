// Package session verifies the access tokens presented to tasklane.
//
// Tokens are PASETO v4.public, issued by the identity service and carrying the user id,
// session id and permission set. The chat server usually holds only the public key;
// the secret key is needed only to mint tokens (dev mode, tools/tokengen).
//
// Transport (HTTP/WS) integration lives with the callers; they share the Authenticator.
package session
