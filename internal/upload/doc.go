// Package upload delivers sink payloads to the ingestion HTTP service.
//
// Deliver only enqueues. A worker pool drains the queue under a token-bucket
// rate limit and retries retryable failures with jittered exponential backoff.
// Payloads that still fail are logged and written to the failure journal.
package upload
