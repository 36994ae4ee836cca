// Package offline implements an offline cache agent for a single-page
// dashboard document.
//
// The agent reacts to host lifecycle and fetch events the way a browser
// service worker does: it pre-populates a versioned cache bucket on install,
// deletes buckets of other versions on activate, and intercepts fetches with
// two policies:
//   - Document requests are network-first and fall back to a pinned offline
//     document when the network fails.
//   - Everything else is cache-first; successful same-origin responses are
//     stored on a miss.
//
// Storage, network access, and host services (notifications, windows,
// lifecycle signals) are supplied through the [bucket.Storage], [Fetcher],
// and [Host] interfaces. The host package provides a runtime that drives an
// Agent from HTTP requests.
//
// # Quick Start
//
//	storage := memory.New()
//	fetcher, err := http.NewFetcher("https://dashboard.example.com/")
//	if err != nil {
//	    return err
//	}
//	cfg := offline.DefaultConfig()
//	cfg.Scope = "https://dashboard.example.com/"
//	agent, err := offline.New(cfg, storage, fetcher, offline.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := agent.Install(ctx); err != nil {
//	    return err
//	}
//	if err := agent.Activate(ctx); err != nil {
//	    return err
//	}
//	resp, err := agent.Fetch(ctx, req)
//
// # Events
//
// Every handler is reached through [Agent.Dispatch], which looks the event
// kind up in a fixed table. Handlers extend an event's lifetime with
// WaitUntil; Dispatch does not return until every extension has resolved.
package offline
