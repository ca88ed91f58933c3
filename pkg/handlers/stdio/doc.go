// Package stdio runs resource handlers as separate processes that exchange
// JSON lines over their standard streams.
//
// Every line is a Message envelope. A cycle looks like this:
//
//	process -> READY
//	wrapper -> CMD    {id, action, timeout, request, callback_context}
//	process -> EVENT  (zero or more log lines)
//	process -> DONE   {command_id, event}  or  ERROR {command_id, code, message}
//	wrapper closes stdin
//	process -> EXIT
//
// Handler is the wrapper side and starts one process per cycle through a
// Transport. Serve is the process side: a handler binary calls it with its
// standard streams and any proxy.Handler.
package stdio
