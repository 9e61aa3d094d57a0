/*
Package upstream provides the prioritized, rate-limit-aware client to
the source-code platform's REST API.

Every request is submitted to a priority heap and executed by a single
sender worker. The worker observes the platform's X-RateLimit-* headers
after each response and never sends while the observed budget reads
zero before its reset. On top of that hard stop, a configurable pacing
strategy shapes request spacing:

  - conservative: fixed delays keyed to the remaining fraction of the
    budget (5s under 5%, 2s under 10%, 500ms under 20%).
  - aggressive: no delay while at least 50 requests remain.
  - adaptive (default): even spacing across the remaining budget so it
    drains right as the window resets.

Transient failures (5xx, transport) retry with backoff and jitter;
sustained infrastructure failure trips a circuit breaker so callers
fail fast with an Unavailable fault instead of queueing behind a dead
platform. Registration tokens are cached until shortly before expiry.

# Priority

Requests carry one of three bands. Registration tokens outrank runner
removals, which outrank list calls, so a burst of dashboard reads can
never starve the token a queued job is waiting on.

# Usage

	client := upstream.New(cfg.Upstream)
	client.Start(ctx)
	defer client.Close()

	token, err := client.IssueRegistrationToken(ctx, "org/repo")
	if err != nil {
		return err
	}
*/
package upstream
