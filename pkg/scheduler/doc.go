// Package scheduler drives the dispatcher across every database.
//
// A Manager is started once per process. Start reconciles jobs left in
// progress by a previous run and then invokes Tick on a fixed interval.
// Tick does nothing unless this node is the cluster leader; otherwise it
// consults the delay markers and dispatches every database that may have
// eligible work.
//
// Basic usage:
//
//	m := scheduler.New(store, executor,
//	    scheduler.WithInterval(time.Second),
//	    scheduler.WithCluster(cluster),
//	)
//	if err := m.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
package scheduler
