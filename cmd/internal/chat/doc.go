// Package chat owns chat and message persistence plus the business rules around them.
//
// Store implementations enforce the data invariants (direct-chat arity and dedup,
// monotonic read receipts, cascade delete). Service layers membership and permission
// checks on top and is shared by the REST API and the realtime gateway.
// Nothing in this package knows about transports.
package chat
