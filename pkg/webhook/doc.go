// Package webhook delivers terminal job outcomes to caller-supplied
// callback URLs. Delivery is best-effort with retries and never feeds
// back into the job state machine.
package webhook
