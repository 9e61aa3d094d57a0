/*
Package router matches queued jobs to runner classes.

Rules are ordered by priority descending and the first match wins. A
rule's conditions combine glob patterns over repository, workflow, and
branch (compiled with '/' as the separator, so `acme/*` matches
`acme/widgets` but not `acme/team/widgets`), an exact event, and a set
of required job labels. Its targets name the runner labels to dispatch
to, optionally an exclusive exact-match requirement and a pool
override.

Enabled rules are cached in memory behind an inverted label index, so
most jobs touch only the handful of rules whose label requirements
they satisfy. The cache invalidates on rule mutation and refreshes at
least once a minute.

Every Route call appends an auditable RoutingDecision; Preview runs
the same evaluation without recording, for dry runs. When no rule
matches, the default policy picks an idle runner of the job's own
repository whose labels cover the job's. Ties break toward the runner
idle longest, then the one that has served the fewest jobs.
*/
package router
