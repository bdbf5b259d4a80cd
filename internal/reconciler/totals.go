package reconciler

// RecomputeTotals repairs FSA aggregates: for every host with
// no queued jobs, active_transfers/total_file_counter/total_file_size/
// error_counter are corrected to 0 if any of them is non-zero. A host
// still carries a live QB entry through its MDB back-reference, so the
// set of "no queued jobs" hosts is everything FSA knows about minus the
// FSA positions reachable from a live QB row.
func (r *Reconciler) RecomputeTotals() {
	queuedHosts := make(map[int]bool)
	for i := 0; i < r.QB.Len(); i++ {
		mdbPos := int(r.QB.MDBPos(i))
		if mdbPos < 0 || mdbPos >= r.MDB.Count() {
			continue
		}
		_, _, fsaPos, _, _, _ := r.MDB.Get(mdbPos)
		queuedHosts[fsaPos] = true
	}

	for pos := 0; pos < r.FSA.Count(); pos++ {
		if queuedHosts[pos] {
			continue
		}
		if r.FSA.ActiveTransfers(pos) == 0 && r.FSA.ErrorCounter(pos) == 0 && r.FSA.TotalFileCounter(pos) == 0 && r.FSA.TotalFileSize(pos) == 0 {
			continue
		}
		if err := r.FSA.ResetTotals(pos); err != nil {
			r.Logger.Warn().Err(err).Int("fsa_pos", pos).Msg("failed to reset host totals")
		}
	}
}
