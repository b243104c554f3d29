/*
Package log provides structured logging for hutch built on zerolog.

Call Init once at startup, then use WithComponent to derive child loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("job_id", job.ID).Msg("job assigned")

Correlation fields (job_id, instance_id, job_type) are attached per
call site with zerolog's fluent API.
*/
package log
