// Package server exposes the pipeline engine over HTTP: a streaming
// WebSocket endpoint that plays the full progress-event protocol, a
// synchronous /chat facade that returns only the terminal event, and a
// health probe.
package server
