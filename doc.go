// Package gencache provides a tiered, content-addressed cache for expensive
// generated artifacts such as explanatory text, quiz items, narrated audio
// and short video clips.
//
// The cache coordinates three storage tiers:
//
//   - Transient: a fast per-device cache with TTL and insertion-order
//     capacity eviction (package transient).
//   - Durable: a shared, cross-device document store that never expires
//     entries and acts as the system of record (package durable).
//   - Blob: an object store for large binary payloads addressed by path,
//     returning stable retrieval URLs (package blob).
//
// Package engine composes the tiers: on a cache miss it invokes a
// caller-supplied generator once, persists the result, and degrades
// gracefully when the binary tier is unreachable for environment reasons.
//
// This package holds the core types shared by all tiers: cache keys, entry
// records, per-category configuration and the error taxonomy.
package gencache
