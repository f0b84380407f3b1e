package source

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

// MalgoCapture records from an input device through miniaudio
type MalgoCapture struct {
	deviceName string
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewMalgoCapture creates an unopened capture device. An empty name selects
// the system default input.
func NewMalgoCapture(deviceName string, logger *slog.Logger) *MalgoCapture {
	return &MalgoCapture{deviceName: deviceName, logger: logger}
}

// Open implements CaptureDevice
func (c *MalgoCapture) Open(format audio.Format, blockFrames int, onData func(pcm []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil {
		return fmt.Errorf("capture device already open")
	}
	if format.BitDepth != 16 {
		return fmt.Errorf("unsupported capture bit depth: %d", format.BitDepth)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("miniaudio", slog.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("failed to init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(blockFrames)
	cfg.Alsa.NoMMap = 1

	if c.deviceName != "" {
		info, err := findCaptureDevice(ctx, c.deviceName)
		if err != nil {
			_ = ctx.Uninit()
			ctx.Free()
			return err
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to open capture device: %w", err)
	}

	c.ctx = ctx
	c.device = device
	return nil
}

func findCaptureDevice(ctx *malgo.AllocatedContext, name string) (malgo.DeviceInfo, error) {
	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("failed to list capture devices: %w", err)
	}
	for _, d := range devices {
		if d.Name() == name {
			return d, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("capture device %q not found", name)
}

// Start implements CaptureDevice
func (c *MalgoCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return fmt.Errorf("capture device not open")
	}
	return c.device.Start()
}

// Close stops the device and releases the audio context. Safe to repeat.
func (c *MalgoCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return nil
	}

	// Uninit stops the device and waits for the data callback to return
	c.device.Uninit()
	c.device = nil

	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("failed to release audio context: %w", err)
	}
	return nil
}
