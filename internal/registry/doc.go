// Package registry tracks the worker nodes registered with the gateway.
//
// # Lifecycle
//
// A node appears in the registry when its node.register frame is accepted
// and disappears when its socket closes:
//
//	reg := registry.New(logger)
//	err := reg.Register("node-a", caps)   // ErrNodeAlreadyRegistered on duplicates
//	err = reg.Deregister("node-a")        // ErrNodeNotFound when absent
//
// Registration is never silently overwritten. A second connection claiming
// a live node id is rejected so two sockets cannot split one node's traffic.
//
// # Liveness
//
// The gateway's health loop flips the alive flag with MarkAlive and
// MarkDead. Both are no-ops for ids the registry does not know, because a
// late heartbeat response can race with deregistration.
//
// # Selection
//
// FindByRequirements returns alive nodes whose declared capabilities
// satisfy a TaskRequirements query: exact agent type, every requested tool
// present, and the requested channel when one is given. Results are sorted
// by node id so callers get deterministic candidate order.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Returned registrations are
// copies; mutating them does not affect the registry.
package registry
