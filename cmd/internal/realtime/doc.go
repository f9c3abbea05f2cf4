// Package realtime contains tasklane's WebSocket gateway and the process-wide connection registry.
//
// Persistence is delegated to the chat service; this package only authenticates connections,
// tracks presence and fans out events after the chat service has committed them.
// Delivery is at-most-once: a full send queue or an offline recipient drops the event.
package realtime
