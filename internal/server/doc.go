// Package server hosts the BitRiver VOD API from a single HTTP server.
//
// New mounts the api.Handler routes under /videos and /api/videos next to
// /healthz and /metrics, then wraps the multiplexer in one middleware chain:
// request ids, request logging, CORS, security headers, metrics and rate
// limiting. Upload requests get an additional per-client limit that can be
// shared across replicas through Redis.
package server
