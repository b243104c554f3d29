/*
Package api exposes the external HTTP interface: job submission,
status polling, listing, cancellation, per-type metrics rollups, and
the health endpoint. Errors use a uniform envelope with a stable
machine-readable code (INVALID_TYPE, NOT_FOUND, CONFLICT,
BUDGET_EXHAUSTED).
*/
package api
