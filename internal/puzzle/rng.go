package puzzle

// rng is a 32-bit mix/avalanche generator (mulberry32 family). It uses only
// integer arithmetic, so its stream is reproducible across platforms and
// implementations. Puzzle sequences derived from a shared seed must match on
// every client, which rules out anything with floating-point in the core.
type rng struct {
	state uint32
}

func newRNG(seed int32) *rng {
	return &rng{state: uint32(seed)}
}

func (r *rng) next() uint32 {
	r.state += 0x6D2B79F5
	z := r.state
	z = (z ^ (z >> 15)) * (z | 1)
	z ^= z + (z^(z>>7))*(z|61)
	return z ^ (z >> 14)
}

// intn maps the next draw onto [0,n) without floating point. Equivalent to
// floor(u/2^32 * n).
func (r *rng) intn(n int) int {
	return int(uint64(r.next()) * uint64(n) >> 32)
}
