// Package realtime implements the live messaging core: the session registry
// binding connections to principals, the room membership index, and the
// dispatcher that validates inbound requests, persists messages, and fans
// them out to subscribed connections.
package realtime
