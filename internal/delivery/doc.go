// Package delivery serves stored originals and DASH artifacts over HTTP.
//
// Whole files and media segments go through the range engine, which answers
// every request with a bounded 206 window or a 416. Manifests are small and
// are written in full.
package delivery
