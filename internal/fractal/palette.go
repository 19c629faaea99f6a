package fractal

const colorSpace = 0xFFFFFF

// Colorize maps an escape count to RGB. Points that never escaped are
// black; the rest spread count/maxIter over the 24-bit color cube, read as a
// base-256 number and inverted so quick escapes are light.
func Colorize(count, maxIter uint32) [3]byte {
	if maxIter == 0 || count >= maxIter {
		return [3]byte{}
	}
	v := uint64(count) * colorSpace / uint64(maxIter)

	var w [3]byte
	for i := 0; i < 3; i++ {
		w[2-i] = 255 - byte(v%256)
		v /= 256
	}
	return w
}
