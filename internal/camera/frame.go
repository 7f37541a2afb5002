package camera

import "fmt"

// packGrayRows copies a GRAY8 buffer into a tightly packed width*height
// frame. Raw video rows may be padded, GStreamer rounds them up to a multiple
// of four bytes, so the row stride is derived from the buffer size.
func packGrayRows(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	stride := len(data) / height
	if stride < width {
		return nil, fmt.Errorf("frame data too short: %d bytes for %dx%d", len(data), width, height)
	}

	out := make([]byte, width*height)
	if stride == width {
		copy(out, data)
		return out, nil
	}
	for row := 0; row < height; row++ {
		copy(out[row*width:(row+1)*width], data[row*stride:row*stride+width])
	}
	return out, nil
}
