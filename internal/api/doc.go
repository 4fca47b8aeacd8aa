// Package api hosts the HTTP handlers that front the BitRiver VOD REST API.
//
// Handler routes every request under /videos (and the /api/videos alias) to
// the collaborators injected at construction time: a storage.Repository for
// metadata reads, an ingest.Coordinator for uploads, removals and job
// control, and a delivery.ArtifactServer for byte-range streaming of
// originals, manifests and segments. The package holds no globals and
// expects callers to supply fully configured dependencies.
//
// Handlers assume the middleware from internal/server has already assigned a
// request id, applied rate limits and attached the request logger. Errors are
// rendered as JSON objects with a single "error" key.
package api
