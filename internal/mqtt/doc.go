// Package mqtt connects a node to its broker.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection over TCP, TLS or websockets.
// It carries no routing logic of its own: inbound messages are handed
// to the attached [Session], which is also told about every
// (re-)connect so it can restore its subscriptions and publish the
// retained "online" availability message. A will message flips the
// availability topic to "offline" on unexpected disconnects.
//
// The node identifier is derived from the MAC address of a network
// interface, falling back to a persisted UUIDv7 on hosts without one.
package mqtt
