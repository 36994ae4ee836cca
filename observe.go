package offline

import "context"

func (a *Agent) onError(_ context.Context, ev *ErrorEvent) error {
	a.log().Error("uncaught error", "error", ev.Err)
	return nil
}

func (a *Agent) onRejection(_ context.Context, ev *RejectionEvent) error {
	a.log().Error("unhandled rejection", "reason", ev.Reason)
	ev.PreventDefault()
	return nil
}
