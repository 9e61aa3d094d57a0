/*
Package ingress is the signed webhook boundary.

Every delivery passes four gates before anything is stored: the
platform's event, delivery, and signature headers must be present, the
User-Agent must carry the hookshot marker, the body must fit the
configured limit, and the hex HMAC-SHA-256 tag must match in constant
time. A failed signature returns 401 and leaves no database row.

Verified deliveries are persisted with their raw payload, deduplicated
for a short window on the composite (event, delivery, action,
repository, job) key, and, for workflow_job queued/in_progress/
completed actions, distilled into a typed task on the dispatch queue.
Job labels map to queue bands: deploy and hotfix work is CRITICAL,
pull requests are HIGH, pushes NORMAL, and housekeeping labels sink to
LOW.

Replay re-processes a stored delivery bypassing the dedup window;
RetryFailed walks the failed deliveries oldest first.
*/
package ingress
