// Package cache provides QueryStore implementations for the purchase dedup cache.
//
// Every query key moves through a small state machine:
//
//	(absent) --claim--> pending --commit(success)--> success --(TTL)--> absent
//	                           \--commit(failed)---> failed  --(TTL)--> absent
//	                           \--release----------> absent
//
// A claim returns an owner token. Only the holder of that token may commit or
// release the pending entry, and pending entries never expire.
//
// Two stores are provided:
//
//   - InMemoryStore for a single process. The claim is a single critical
//     section, so a check and its claim cannot interleave with another caller.
//   - RedisStore for several processes sharing one Redis. Claims, commits and
//     reference attachment are WATCH/MULTI/EXEC transactions, retried when a
//     concurrent writer touches the key.
//
// Both stores also record spent payment transactions: ClaimTransaction binds a
// transaction id to the first key that used it, so one payment buys one query.
// A success entry carries a publish lease while its content is being published,
// which keeps gateways on a shared Redis from publishing the same query twice.
//
// Usage:
//
//	store := cache.NewInMemoryStore(cache.WithTTL(5 * time.Minute))
//	claim, err := store.ClaimOrGet(ctx, premium.NormalizeQuery(query))
package cache
