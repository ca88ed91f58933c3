// Package script implements resource handlers as Starlark scripts.
//
// A script defines one function:
//
//	def handle(request, action, callback_context):
//	    if callback_context == None:
//	        return in_progress(callback_context = {"started": True}, delay = 30)
//	    return success(request["desiredResourceState"])
//
// The request is the handler request as a dict, action is the action name and
// callback_context is whatever the previous cycle returned. The builtins
// success, in_progress and failed build progress events; fail_with aborts the
// cycle with a classified error. Each cycle runs the script in a fresh thread
// that is cancelled when the cycle timeout or the host budget runs out.
package script
