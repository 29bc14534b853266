package main

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"time"

	"github.com/arzzra/door_phone/pkg/video"
)

const toneSampleRate = 8000

// toneSource синтетический микрофон: синусоида 440 Гц в формате
// 8kHz/16bit mono, порции выдаются в темпе реального времени.
type toneSource struct {
	phase float64
	freq  float64
}

func newToneSource(freq float64) *toneSource {
	return &toneSource{freq: freq}
}

func (s *toneSource) Read(p []byte) (int, error) {
	samples := len(p) / 2
	time.Sleep(time.Duration(samples) * time.Second / toneSampleRate)

	step := 2 * math.Pi * s.freq / toneSampleRate
	for i := 0; i < samples; i++ {
		v := int16(12000 * math.Sin(s.phase))
		binary.LittleEndian.PutUint16(p[2*i:], uint16(v))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return samples * 2, nil
}

// discardSink синтетический динамик: принятый звук просто отбрасывается.
type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) {
	return len(p), nil
}

// testPatternCamera синтетическая камера: кодирует бегущий градиент в JPEG
// на каждый захват, кадры заметно различаются между собой.
type testPatternCamera struct {
	width  int
	height int
	shift  uint8
}

func newTestPatternCamera(width, height int) *testPatternCamera {
	return &testPatternCamera{width: width, height: height}
}

func (c *testPatternCamera) Capture() (*video.Frame, error) {
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + c.shift,
				G: uint8(y),
				B: uint8(x+y) - c.shift,
				A: 255,
			})
		}
	}
	c.shift++

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, err
	}
	return video.NewFrame(buf.Bytes(), nil), nil
}

// logDoor синтетический исполнитель двери: вместо реле пишет в лог.
type logDoor struct {
	logger *slog.Logger
}

func (d logDoor) OpenDoor() error {
	d.logger.Info("реле двери: импульс открытия")
	return nil
}
