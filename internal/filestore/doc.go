// Package filestore owns the on-disk layout for uploaded originals and their
// segmented DASH output, and optionally mirrors segment trees to S3-compatible
// object storage.
//
// Layout:
//
//	{videoRoot}/{sanitized original name}
//	{segmentRoot}/{videoID}/manifest.mpd
//	{segmentRoot}/{videoID}/init-stream{N}.m4s
//	{segmentRoot}/{videoID}/chunk-stream{N}-{number}.m4s
package filestore
