// Health statuses are built with NewHealthy, NewDegraded and NewUnhealthy and
// combined with Aggregate: any unhealthy member makes the aggregate
// unhealthy, otherwise any degraded member makes it degraded.
//
// The federation services keep a Monitor with one entry per gateway or edge
// connection, fed from connection status changes:
//
//	monitor := health.NewMonitor()
//	monitor.Update("gateway-abc", health.FromConnectionStatus("gateway-abc", "CONNECTED"))
//	overall := monitor.AggregateHealth("central")
//
// Error text passed to health statuses should go through Sanitize first.
package health
