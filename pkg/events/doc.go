/*
Package events provides the in-memory event broker for Hutch's pub/sub
messaging.

Components publish lifecycle events (job transitions, instance churn,
scaling actions, budget threshold crossings, platform faults) to a
single broker; subscribers receive them over buffered channels.
Publishing never blocks: a subscriber that falls behind misses events
rather than stalling the orchestrator.

LogSink is the built-in subscriber: it writes every event to the
structured log and counts it in the event metric, so platform faults
and budget crossings are always operator-visible.
*/
package events
