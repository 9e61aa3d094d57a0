/*
Package log provides structured logging for RunnerHub using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers tag every line with the subsystem that produced it:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("job_id", job.ID).Msg("job assigned")

Entity loggers exist for the identifiers that recur across subsystems:

	log.WithJobID(job.ID)
	log.WithRunnerID(runner.ID)
	log.WithRepository(job.Repository)
	log.WithContainerID(containerID)

# Output formats

JSON output (production):

	{"level":"info","component":"dispatcher","job_id":"8f14...","time":"2026-08-24T10:00:00Z","message":"job assigned"}

Console output (development) renders the same fields human-readable with
RFC3339 timestamps.

Log levels follow zerolog semantics: debug < info < warn < error. The
configured level is global; child loggers inherit it.
*/
package log
