// Package redis is a pooled client core for Redis-compatible servers.
//
// A Client owns a bounded pool of connections to one server. Each Connection
// speaks RESP2 or RESP3, performs its handshake lazily on first use, and is
// marked broken by any I/O or framing failure so the pool destroys it instead
// of handing it out again.
//
// Commands run one at a time with Client.Do, or in batches through a Pipeline
// or a Transaction. Batched commands return a Response that is resolved when
// the batch is drained by Sync or Exec:
//
//	p, err := client.Pipeline(ctx)
//	set := redis.Enqueue(p, redis.DecodeStatus, "SET", resp.String("a"), resp.Int(1))
//	get := redis.Enqueue(p, redis.DecodeString, "GET", resp.String("a"))
//	err = p.Sync()
//	value, err := get.Get()
//
// Error replies only fail the response of the command that produced them.
// Connection errors fail every unread response and are returned by Sync.
//
// Arguments are resp.Rawable values; StreamID is one too, covering explicit
// entry IDs and the special IDs of stream commands.
package redis
