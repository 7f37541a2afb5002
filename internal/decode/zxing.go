package decode

import (
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"golang.org/x/image/draw"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

// ZXingDecoder decodes linear barcodes with gozxing. A decoder is not safe
// for concurrent use; each engine worker owns one.
type ZXingDecoder struct {
	reader     gozxing.Reader
	hints      map[gozxing.DecodeHintType]interface{}
	halfSample bool
}

func NewZXingDecoder(cfg Config) (ports.FrameDecoder, error) {
	formats, err := ParseFormats(cfg.Formats)
	if err != nil {
		return nil, err
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_POSSIBLE_FORMATS: formats,
		gozxing.DecodeHintType_TRY_HARDER:       true,
	}
	return &ZXingDecoder{
		reader:     oned.NewMultiFormatOneDReader(hints),
		hints:      hints,
		halfSample: cfg.HalfSample,
	}, nil
}

func (d *ZXingDecoder) Decode(frame domain.Frame) (string, string, error) {
	img, err := grayImage(frame)
	if err != nil {
		return "", "", err
	}

	var src image.Image = img
	if d.halfSample {
		src = halfSample(img)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(src)
	if err != nil {
		return "", "", fmt.Errorf("failed to binarize frame: %w", err)
	}

	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		// Not found, checksum and format failures all mean "no code in this frame".
		return "", "", nil
	}
	return result.GetText(), result.GetBarcodeFormat().String(), nil
}

func grayImage(frame domain.Frame) (*image.Gray, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", frame.Width, frame.Height)
	}
	if len(frame.Data) < frame.Width*frame.Height {
		return nil, fmt.Errorf("frame data too short: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
	}
	return &image.Gray{
		Pix:    frame.Data,
		Stride: frame.Width,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}, nil
}

// halfSample downsizes the frame by two in each dimension so the locator
// searches a quarter of the pixels.
func halfSample(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	w, h := bounds.Dx()/2, bounds.Dy()/2
	if w < 1 || h < 1 {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst
}
