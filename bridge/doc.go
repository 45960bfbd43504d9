// Package bridge bridges synchronous callers onto asynchronous routing
// slips: dispatch a slip, block until its terminal event comes back.
package bridge
