package ash

// Seq is a 3 bit frame or acknowledgement number. All arithmetic wraps modulo 8.
type Seq byte

const seqModulus = 8

func (s Seq) mod() Seq {
	return s & (seqModulus - 1)
}

// Next returns s+1 mod 8
func (s Seq) Next() Seq {
	return (s + 1).mod()
}

// Add returns s+n mod 8, n may be negative
func (s Seq) Add(n int) Seq {
	return Seq((int(s) + n%seqModulus + seqModulus) % seqModulus)
}

// Distance returns how many increments lead from s to to, in the range 0..7
func (s Seq) Distance(to Seq) int {
	return int((to - s).mod())
}
