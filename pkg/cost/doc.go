/*
Package cost tracks estimated spend per job type against soft and hard
budget limits.

Spend is estimated from container time: seconds consumed / 3600 *
the type's hourly rate, recorded when a job settles (failures bill
too). Crossing the soft limit emits a one-time warning event; reaching
the hard limit blocks scale-up for the type until the ledger is reset.
Accumulation is persisted and survives restarts; limits always come
from configuration.
*/
package cost
