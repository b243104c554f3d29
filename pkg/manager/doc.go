/*
Package manager is the coordination facade the HTTP API talks to.

The Manager owns admission and inspection: it validates submissions,
applies the optional pre-admission budget check, and hands accepted
jobs to the queue; it answers job lookups, filtered listings, and
per-type metrics rollups (success rate, average processing time, queue
depth, spend against budget). A background janitor deletes terminal
jobs older than the retention window.

The scheduling, scaling, and health loops run beside the Manager, not
under it; they share the same store, queue, pool, and cost tracker.
*/
package manager
