// Package hookchain implements priority-ordered interception chains.
//
// A Registry owns the chain for one fixed-signature operation. Subscribers
// register a HookFunc with a Priority and receive an *Info handle; higher
// priorities run first and equal priorities run in registration order.
//
// Each subscriber receives a Cursor describing the rest of the chain:
//
//	reg := hookchain.NewRegistry[int, string]("strlen")
//	reg.RegisterHook(func(c *hookchain.Cursor[int, string], s string) int {
//		if s == "" {
//			return 0 // short-circuit
//		}
//		return c.CallNext(strings.TrimSpace(s))
//	}, hookchain.PriorityDefault)
//
//	n := reg.CallChain(func(s string) int { return len(s) }, " abc ")
//
// CallNext proceeds to the next enabled subscriber, CallOriginal jumps past
// every remaining subscriber to the original function, and returning
// without calling either short-circuits the operation.
//
// ClassRegistry intercepts virtual methods. Its Patcher redirects the method's
// vtable slot to a trampoline when the chain becomes non-empty and restores it
// when the chain empties again. See package vtable for the direct-patch
// implementation and Delegate for hosts that own the slot themselves.
//
// Dispatch is synchronous and single-threaded. Registration during a dispatch
// is allowed: the chain is copy-on-write, so a dispatch already in flight keeps
// walking the entries it started with.
package hookchain
