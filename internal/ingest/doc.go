// Package ingest turns uploaded files into servable DASH output.
//
// # Overview
//
// The Coordinator drives each upload through a fixed sequence:
//
//  1. Sanitize the client file name.
//  2. Stream the body into the video root and compute its digest.
//  3. Persist a pending metadata record pointing at the stored original.
//  4. Queue a transcode job on the Processor and return its handle.
//
// The Processor is a bounded worker pool. Each job runs the encoder under a
// per-job timeout and then invokes a completion callback on a context that
// survives cancellation, so cleanup always runs.
//
// # Compensation
//
// When transcoding fails, is cancelled, or its result cannot be recorded, the
// completion callback removes the original, the segment directory, any
// mirrored objects and finally the record. If the record cannot be deleted it
// is flagged failed so it is never served.
//
// # Job state
//
// Job snapshots are written to a JobStore after every transition. The memory
// store suits a single instance; RedisJobStore lets any replica answer status
// polls for jobs running elsewhere.
package ingest
