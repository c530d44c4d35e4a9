// Package reconciler keeps the dependency index in step with the project.
//
// Diff compares the coordinates resolved from the manifests with the stored
// packages and classifies each as added, changed, kept or extra. Update
// applies that plan, Status reports it, and Prune removes the extras.
//
// Reconcile repairs the cross-view invariants between the SQLite metadata,
// the vector log and the blob store after a crash.
//
// Watcher reruns a reconciliation when manifests or lockfiles change:
//
//	w := reconciler.NewWatcher(root, 2*time.Second, func(ctx context.Context) error {
//	    _, err := rec.Update(ctx)
//	    return err
//	})
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
package reconciler
