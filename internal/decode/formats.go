package decode

import (
	"fmt"
	"strings"

	"github.com/makiuchi-d/gozxing"
)

// DefaultFormats covers the common retail and logistics linear symbologies.
var DefaultFormats = []string{
	"ean_13",
	"ean_8",
	"upc_a",
	"upc_e",
	"code_128",
	"code_39",
	"code_93",
	"codabar",
	"itf",
}

var formatsByName = map[string]gozxing.BarcodeFormat{
	"ean_13":   gozxing.BarcodeFormat_EAN_13,
	"ean_8":    gozxing.BarcodeFormat_EAN_8,
	"upc_a":    gozxing.BarcodeFormat_UPC_A,
	"upc_e":    gozxing.BarcodeFormat_UPC_E,
	"code_128": gozxing.BarcodeFormat_CODE_128,
	"code_39":  gozxing.BarcodeFormat_CODE_39,
	"code_93":  gozxing.BarcodeFormat_CODE_93,
	"codabar":  gozxing.BarcodeFormat_CODABAR,
	"itf":      gozxing.BarcodeFormat_ITF,
}

// ParseFormats resolves symbology names. Names are case-insensitive and
// accept "-" in place of "_" (e.g. "EAN-13").
func ParseFormats(names []string) ([]gozxing.BarcodeFormat, error) {
	out := make([]gozxing.BarcodeFormat, 0, len(names))
	seen := make(map[gozxing.BarcodeFormat]bool, len(names))
	for _, name := range names {
		key := normalizeFormatName(name)
		if key == "" {
			continue
		}
		format, ok := formatsByName[key]
		if !ok {
			return nil, fmt.Errorf("unsupported barcode format %q", name)
		}
		if seen[format] {
			continue
		}
		seen[format] = true
		out = append(out, format)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no barcode formats configured")
	}
	return out, nil
}

func normalizeFormatName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "ean13":
		return "ean_13"
	case "ean8":
		return "ean_8"
	case "upca":
		return "upc_a"
	case "upce":
		return "upc_e"
	case "code128":
		return "code_128"
	case "code39":
		return "code_39"
	case "code93":
		return "code_93"
	case "i2of5", "interleaved_2_of_5":
		return "itf"
	}
	return key
}
