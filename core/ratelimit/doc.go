// Package ratelimit provides the token buckets gating access to the
// globally rate-limited external capabilities. One bucket per capability,
// shared across all shards; a denied request is never queued or retried
// here, the requesting worker decides what to do with the denial.
package ratelimit
