// Package crawler defines the shared vocabulary of the crawl core: document
// references, fetch requests and responses, processing outcomes, and the narrow
// ports (committer, blob store, publisher, clock, hasher) that the session,
// ledger, fetch and crawl packages are wired against.
package crawler
