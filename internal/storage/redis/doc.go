// Package redis holds the Redis backed helpers of the orchestrator: the
// shared agent metadata cache consulted by the registry.
package redis
