// Package server is the transport side of the room relay. It accepts
// WebSocket connections, runs one read pump and one write pump per
// connection, and funnels every connection event through the Hub, which
// owns the relay engine and applies events strictly one at a time.
//
// The implementation is organized into specialized files for the hub,
// clients, origin checks, routing, and HTTP handlers.
package server
