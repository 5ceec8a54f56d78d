// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/constellations/:id/ws to receive the bus events
// of one constellation as JSON, optionally narrowed with ?types=a,b. When a
// Finder is configured the stream opens with a snapshot of the graph.
package websocket
