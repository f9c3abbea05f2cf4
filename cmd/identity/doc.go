// Package identity is tasklane's view of the external identity service.
//
// It resolves user ids against the user directory and generates ULID identifiers.
// Authentication (credentials, sessions) is owned by the identity service itself;
// the chat core only consumes validated principals (see auth/session).
package identity
