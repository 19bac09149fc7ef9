package test

func MkBuf(n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(i & 0xFF)
	}
	return buf
}

// Index of the first byte of b that differs from MkBuf's pattern, or
// -1.
func CheckBuf(b []byte) int {
	for i := range b {
		if b[i] != byte(i&0xFF) {
			return i
		}
	}
	return -1
}
