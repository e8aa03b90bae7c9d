package transform

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
)

// DefaultQuality is the JPEG quality used when none is configured
const DefaultQuality = 75

// CompressImage re-encodes JPEG files at the given quality and PNG files
// at best compression. The original bytes are kept when re-encoding does
// not make the file smaller.
func CompressImage(quality int) Transform {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	return perFile{name: "compress-image", fn: func(_ context.Context, f File) (File, error) {
		var (
			out []byte
			err error
		)
		switch f.Ext() {
		case ".jpg", ".jpeg":
			out, err = recompressJPEG(f.Contents, quality)
		case ".png":
			out, err = recompressPNG(f.Contents)
		default:
			return f, nil
		}
		if err != nil {
			return f, err
		}
		if len(out) < len(f.Contents) {
			f.Contents = out
		}
		return f, nil
	}}
}

func recompressJPEG(data []byte, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func recompressPNG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
