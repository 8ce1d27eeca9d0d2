package router

import "sort"

// candidate pairs a live instance with the ConnectionInfo that was
// reconciled in alongside it — the mask and the ping-sort both need the
// declared role (ConnectionInfo.ReadOnly), not anything the handle itself
// reports.
type candidate struct {
	info   ConnectionInfo
	handle InstanceHandle
}

// buildAvailability computes the per-instance availability mask for a
// command against a set of candidates, by role and, for ping-aware
// strategies, by measured latency. diag is only invoked for the
// unknown-strategy case.
func buildAvailability(cands []candidate, control CommandControl, withMasters, withSlaves bool, diag func(format string, args ...interface{})) []bool {
	mask := make([]bool, len(cands))

	if !control.ForceServerId.IsAny() {
		for i, c := range cands {
			if c.handle != nil && c.handle.ServerId() == control.ForceServerId {
				mask[i] = true
				return mask
			}
		}
		// No instance matches the pin: an all-false mask, exactly as
		// a deliberate choice described below — the caller sees "fell
		// back to any server" fire even on attempt 0 in this case, and
		// that behavior is preserved rather than special-cased away.
		return mask
	}

	switch control.Strategy {
	case StrategyDefault, StrategyEveryDc:
		for i, c := range cands {
			if c.info.ReadOnly {
				mask[i] = withSlaves
			} else {
				mask[i] = withMasters
			}
		}
	case StrategyNearestServerPing, StrategyLocalDcConductor:
		order := make([]int, len(cands))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			ha, hb := cands[order[a]].handle, cands[order[b]].handle
			if ha == nil || hb == nil {
				return false
			}
			return ha.PingLatency() < hb.PingLatency()
		})
		window := control.BestDcCount
		if window <= 0 || window > len(cands) {
			window = len(cands)
		}
		for rank, idx := range order {
			if rank >= window {
				break
			}
			c := cands[idx]
			if c.info.ReadOnly {
				mask[idx] = withSlaves
			} else {
				mask[idx] = withMasters
			}
		}
	default:
		if diag != nil {
			diag("router: unknown routing strategy %d treated as programmer error, refusing to select", int(control.Strategy))
		}
		// mask stays all-false: submit fails closed rather than
		// guessing at undefined behavior.
	}

	return mask
}

// selectResult is what select() hands back: the winning handle, its index
// in cands, and whether a candidate was found at all.
type selectResult struct {
	handle InstanceHandle
	index  int
	found  bool
}

// selectCandidate scans the candidates round-robin from a start offset,
// skipping ineligible ones, and among what remains picks the smallest
// running-command count, ties broken by round-robin order (first seen
// wins).
func selectCandidate(cands []candidate, mask []bool, start int, skipIdx int, mayFallbackToAny bool, writable bool) selectResult {
	n := len(cands)
	if n == 0 {
		return selectResult{}
	}

	best := selectResult{}
	bestRunning := -1

	for i := 0; i < n; i++ {
		k := (start + i) % n
		if k == skipIdx {
			continue
		}
		c := cands[k]
		if writable && c.info.ReadOnly {
			continue
		}
		if !mayFallbackToAny && !mask[k] {
			continue
		}
		h := c.handle
		if h == nil || h.IsDestroying() || h.State() != StateConnected {
			continue
		}

		running := h.RunningCommands()
		if bestRunning == -1 || running < bestRunning {
			best = selectResult{handle: h, index: k, found: true}
			bestRunning = running
		}
	}

	return best
}
