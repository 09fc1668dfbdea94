/*
Bus implements the in-process event broker.

# Module
  - broker: publish with server-side dedup by event id
  - queue groups: durable, load-balanced, at-least-once with ack timeout
  - ephemeral taps: best-effort live subscribers, drop-oldest overflow

# Source
  - every producer (intent manager, planner, orchestrator)

# Produce
  - deliveries to queue groups and taps

# Sharded
  - none; ordering is per-correlation and owned by producers + coordinator
*/
package bus
