// Package idempotency provides bounded de-duplication windows keyed by string.
// MemoryStore is TTL and max-entries bounded with oldest-first eviction;
// RedisStore shares the window across processes through SET NX.
package idempotency
