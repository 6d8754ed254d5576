// Package crawler defines the domain model of the order-history crawl: the
// persisted entities, the narrow browser and extraction boundary, the error
// taxonomy, and the per-class retry policy.
package crawler
