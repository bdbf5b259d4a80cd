package reconciler

// RemapFSA follows an FSA regeneration: when AMG rebuilds the host
// status area (a host was added or removed), every MDB entry's cached
// FSA position is stale. Rather than invalidate those entries, resolve
// each by host alias against the new area and rewrite its position;
// entries whose alias no longer exists are flagged out of the current
// FSA generation instead of deleted outright — the next ReconcileMDB
// pass decides whether they're stale enough to remove.
//
// r.FSA must already point at the new area: the caller swaps the freshly
// attached handle in before calling RemapFSA.
func (r *Reconciler) RemapFSA() (remapped, orphaned int) {
	for _, jobID := range r.MDB.AllJobIDs() {
		pos := r.MDB.FindByJobID(jobID)
		if pos < 0 {
			continue
		}
		_, hostAlias, _, _, _, _ := r.MDB.Get(pos)
		newPos := r.FSA.Find(hostAlias)
		if newPos < 0 {
			r.MDB.SetInCurrentFSA(pos, false)
			orphaned++
			continue
		}
		r.MDB.SetFSAPos(pos, newPos)
		r.MDB.SetInCurrentFSA(pos, true)
		remapped++
	}
	return remapped, orphaned
}
