// Package crawler holds the types every other package speaks: requests and their
// labels, leases on the shared queue, extracted records, and the interfaces for the
// queue, renderer, router, and sink.
//
// A request's identity key (IdentityKey) is the only deduplication criterion. A key
// enters the queue once and, after a worker resolves it, never becomes leasable again.
package crawler
