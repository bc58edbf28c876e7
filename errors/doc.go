// Package errors provides the error taxonomy shared by the federation components.
//
// # Classification
//
// Every error belongs to one of three classes:
//
//   - Transient: timeouts, lost connections, a peer that has not answered yet.
//     Callers retry or wait for the next reconnect.
//   - Invalid: malformed messages, bad tunnel descriptors, bad configuration
//     values. Callers reject the input.
//   - Fatal: unrecoverable configuration problems. Callers stop.
//
// Use WrapTransient, WrapInvalid and WrapFatal to attach a class together with
// the component and method that failed:
//
//	if err := c.sender.Send(msg); err != nil {
//	    return errors.WrapTransient(err, "Connector", "sendRequest", "send capabilities request")
//	}
//
// # Remote failures
//
// Failures reported by the peer, such as a tunnel start the edge could not
// complete, are returned as *OperationError. They are results of an operation
// and never indicate a broken connection:
//
//	if resp.Error != nil {
//	    return errors.Remote("start tunnel", *resp.Error)
//	}
//
// Reason extracts the peer supplied text when replying over the wire.
package errors
