package tokens

// Trim keeps the longest run of newest messages whose estimates fit budget
// and returns it in the original order. The newest message is always kept,
// even when it alone is over budget.
func Trim[M any](msgs []M, budget int64, text func(M) string) []M {
	if len(msgs) == 0 {
		return nil
	}
	start := len(msgs) - 1
	used := Estimate(text(msgs[start]))
	for i := start - 1; i >= 0; i-- {
		cost := Estimate(text(msgs[i]))
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	out := make([]M, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// Sum adds the estimates of all messages.
func Sum[M any](msgs []M, text func(M) string) int64 {
	var total int64
	for _, m := range msgs {
		total += Estimate(text(m))
	}
	return total
}
