/*
Coordinator implements the single writer of durable state.

# Module
  - pipeline: claim event id -> validate sequence -> append -> project
  - reducer: pure projection of envelopes into read models
  - gap buffer: parks out-of-order envelopes, fails forward on timeout
  - read api: intent/plan models and correlation event streams

# Source
  - intent.*, risk.*, plan.*, exec.* via the coordinator queue group

# Produce
  - durable log appends
  - read-model writes

# Sharded
  - correlation id (one lock and sequence stream per intent)
*/
package coordinator
