// Package runner schedules polls of a source.Source and applies
// configuration reloads.
//
// The Runner owns one Source at a time. A reload that keeps the site and
// hostname rebuilds the Source with the previous watermark so no window is
// skipped or fetched twice; a reload that targets another node starts over
// from the configured backfill.
package runner
