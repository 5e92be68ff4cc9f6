// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes can be combined with [All] (AND), [Any] (OR), and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe]. The shutdown
// coordinator contributes a readiness probe so load balancers stop routing
// before in-flight requests are drained.
package health
