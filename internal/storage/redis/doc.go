// Package redis opens the shared Redis client and provides the distributed
// lock used to keep one life-support pipeline in flight per identity.
package redis
