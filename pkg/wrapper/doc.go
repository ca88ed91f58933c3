// Package wrapper runs resource handlers inside a host with a fixed
// execution budget.
//
// One call to Wrapper.Handle reads a request, checks its structure, refreshes
// collaborators with the per-invocation endpoint and credentials, removes the
// trigger that caused the invocation, acknowledges first invocations, and
// validates the model of mutating actions. It then runs the handler in a loop:
// each cycle is timed and traced, failures are mapped into the error taxonomy,
// mutating cycles are reported, and the scheduler decides whether to sleep and
// run again or to end the invocation and resume later.
//
// Handle always writes exactly one response.
//
//	w, err := wrapper.New(wrapper.Options{
//	    Handler:   handler,
//	    Reporter:  reporter,
//	    Scheduler: scheduler.New(scheduler.NewStoreBackend(store), scheduler.Options{}),
//	    Validator: schema,
//	})
//	if err != nil {
//	    return err
//	}
//	err = w.Handle(ctx, os.Stdin, os.Stdout, budget.NewDeadline("handler", 15*time.Minute))
package wrapper
