package redis

// Redis key naming conventions for stateflow data.
// All keys are prefixed to avoid collisions with other tenants of the server.

const defaultPrefix = "stateflow:"

// runKey returns the key for a run document: stateflow:run:{id}
func (s *Store) runKey(id string) string { return s.prefix + "run:" + id }

// idemKey maps an idempotency key to the run id: stateflow:key:{key}
func (s *Store) idemKey(key string) string { return s.prefix + "key:" + key }

// runIndexKey is the Sorted Set of run ids scored by creation time.
func (s *Store) runIndexKey() string { return s.prefix + "runs" }

// joinKey returns the key for a join record: stateflow:join:{id}
func (s *Store) joinKey(id string) string { return s.prefix + "join:" + id }

// joinIndexKey is the Set tracking all join ids for enumeration.
func (s *Store) joinIndexKey() string { return s.prefix + "joins" }
