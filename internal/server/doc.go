// Package server exposes the pipeline over HTTP: health and session
// statistics, the effective configuration, Prometheus metrics, and a
// websocket feed that pushes every transcript to connected clients.
package server
