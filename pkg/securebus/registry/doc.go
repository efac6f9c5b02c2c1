// Package registry holds the concurrency-safe keyed stores the bus is built
// on: module entries, named module handlers and event counters.
//
//	handlers := registry.New[HandlerKey, event.Handler]()
//	handlers.Register(HandlerKey{Module: "sales", Name: "onOrder"}, h)
//
//	byPattern := registry.NewCounters()
//	byPattern.Inc("sales.order.created")
package registry
