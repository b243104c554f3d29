/*
Package autoscaler adjusts per-type replica counts from load signals.

Three signals feed each evaluation: mean CPU percent, mean memory
percent (both averaged over the type's active instances), and queue
depth. Targets come from the type's scaling policy.

# Hysteresis

Scaling uses a dead band to prevent flapping:

  - any signal above 110% of its target: scale up by scale_up_step
  - every signal below 50% of its target: scale down by scale_down_step
  - otherwise: hold

After an actioned decision the type enters a cooldown window during
which further evaluations hold. Held decisions do not arm the cooldown.

# Budget Gate

Before any scale-up the cost tracker is consulted. A type whose hard
budget limit is spent cannot grow, but running instances are never
stopped because of budget state and scale-down remains allowed. The
autoscaler reads cost state and never writes it.

The scheduler can send urgent hints when a job finds no idle instance;
a hint triggers an immediate evaluation but still honors the cooldown.
*/
package autoscaler
