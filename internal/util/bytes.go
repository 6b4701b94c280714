package util

// WipeBytes overwrites b with zeros. Used to scrub key material after
// it has been sealed into an enclave.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
