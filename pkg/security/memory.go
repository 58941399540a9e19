package security

// ZeroBytes overwrites a byte slice holding key material once it is no
// longer needed.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ZeroAll zeroes every slice passed in.
func ZeroAll(slices ...[]byte) {
	for _, s := range slices {
		ZeroBytes(s)
	}
}
