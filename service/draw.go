package service

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	"github.com/fogleman/gg"

	"cam-gateway/common"
	"cam-gateway/common/log"
)

var overlayFonts = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/TTF/DejaVuSans.ttf",
	"/System/Library/Fonts/Helvetica.ttc",
	"C:/Windows/Fonts/arial.ttf",
}

// AnnotateFrame stamps the snapshot with a timestamp and the camera name.
func AnnotateFrame(imageData []byte, cameraName string) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG: %v", err)
	}

	bounds := img.Bounds()
	rgbaImg := image.NewRGBA(bounds)
	draw.Draw(rgbaImg, bounds, img, bounds.Min, draw.Src)

	ctx := gg.NewContextForRGBA(rgbaImg)
	if !loadOverlayFont(ctx, 28) {
		// No usable font: return the frame unannotated rather than fail
		// the snapshot
		return imageData, nil
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	drawTextWithOutline(ctx, timestamp, 20, 40)

	if cameraName != "" {
		textWidth, _ := ctx.MeasureString(cameraName)
		drawTextWithOutline(ctx, cameraName, float64(bounds.Max.X)-textWidth-20, float64(bounds.Max.Y)-20)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgbaImg, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %v", err)
	}
	return buf.Bytes(), nil
}

// OfflinePlaceholder renders a frame for cameras with no warm frame to serve.
func OfflinePlaceholder(cameraName string, state common.ConnectionState) []byte {
	const width, height = 640, 360

	ctx := gg.NewContext(width, height)
	ctx.SetColor(color.RGBA{32, 32, 32, 255})
	ctx.Clear()

	if loadOverlayFont(ctx, 24) {
		ctx.SetColor(color.RGBA{200, 200, 200, 255})
		ctx.DrawStringAnchored(fmt.Sprintf("%s (%s)", cameraName, state), width/2, height/2, 0.5, 0.5)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, ctx.Image(), &jpeg.Options{Quality: 80}); err != nil {
		log.Warn(fmt.Sprintf("failed to encode placeholder frame: %v", err))
		return nil
	}
	return buf.Bytes()
}

func loadOverlayFont(ctx *gg.Context, size float64) bool {
	for _, fontPath := range overlayFonts {
		if err := ctx.LoadFontFace(fontPath, size); err == nil {
			return true
		}
	}
	return false
}

func drawTextWithOutline(ctx *gg.Context, text string, x, y float64) {
	offsets := []struct{ dx, dy float64 }{
		{-1, -1}, {-1, 0}, {-1, 1},
		{0, -1}, {0, 1},
		{1, -1}, {1, 0}, {1, 1},
	}

	ctx.SetColor(color.RGBA{0, 0, 0, 255})
	for _, offset := range offsets {
		ctx.DrawStringAnchored(text, x+offset.dx, y+offset.dy, 0, 0)
	}

	ctx.SetColor(color.RGBA{255, 255, 255, 255})
	ctx.DrawStringAnchored(text, x, y, 0, 0)
}
