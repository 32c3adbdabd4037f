// Package schema validates decoded task messages against JSON schema
// documents.
//
// A Schema checks property types, required fields, string length, numeric
// ranges, enums, patterns and the formats email, uri, uuid, date, date-time
// and duration. Schemas plug into a worker chain as message validators:
//
//	s, err := schema.LoadFile("order.json")
//	if err != nil {
//	    return err
//	}
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//	    WithValidation(s).
//	    Build()
//	client.Job("orders", handleOrder, messaging.WithMiddleware(chain.Middleware()))
//
// A Registry holds one schema per queue and yields a single interceptor for
// engine-wide middleware.
package schema
