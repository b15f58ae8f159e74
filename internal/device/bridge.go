// Package device discovers connected devices and captures screenshots
// through the bridge tool (adb).
package device

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mpataki/phonepilot/internal/logging"
	"github.com/mpataki/phonepilot/internal/models"
)

// Bridge wraps the bridge executable. Every failure is absorbed: callers get
// an empty list, a nil screenshot or false.
type Bridge struct {
	path     string
	log      *slog.Logger
	captures singleflight.Group
}

func NewBridge(path string, log *slog.Logger) *Bridge {
	if path == "" {
		path = "adb"
	}
	return &Bridge{
		path: path,
		log:  logging.Component(log, "bridge"),
	}
}

func (b *Bridge) ListDevices(ctx context.Context) []models.Device {
	out, err := exec.CommandContext(ctx, b.path, "devices").Output()
	if err != nil {
		b.log.Debug("device enumeration failed", "error", err)
		return []models.Device{}
	}
	return ParseDevices(string(out))
}

// ParseDevices parses `adb devices` output. The first line is a header;
// rows without a tab separator are dropped.
func ParseDevices(output string) []models.Device {
	devices := []models.Device{}

	lines := strings.Split(output, "\n")
	if len(lines) <= 1 {
		return devices
	}

	for _, line := range lines[1:] {
		id, status, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		devices = append(devices, models.Device{
			ID:     strings.TrimSpace(id),
			Status: strings.TrimSpace(status),
			Kind:   models.DeviceKindADB,
		})
	}
	return devices
}

// CaptureTimeout bounds a single bridge screenshot call.
const CaptureTimeout = 15 * time.Second

// CaptureScreenshot grabs a PNG from deviceID, or from the bridge's default
// device when deviceID is empty. Concurrent calls for the same device share
// one capture. The shared capture is not bound to any caller's context, so a
// caller giving up never fails the others; ctx only limits how long this
// caller waits.
func (b *Bridge) CaptureScreenshot(ctx context.Context, deviceID string) *models.Screenshot {
	res := b.captures.DoChan(deviceID, func() (any, error) {
		captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CaptureTimeout)
		defer cancel()
		return b.capture(captureCtx, deviceID), nil
	})

	select {
	case r := <-res:
		shot, _ := r.Val.(*models.Screenshot)
		return shot
	case <-ctx.Done():
		return nil
	}
}

func (b *Bridge) capture(ctx context.Context, deviceID string) *models.Screenshot {
	args := []string{"exec-out", "screencap", "-p"}
	if deviceID != "" {
		args = append([]string{"-s", deviceID}, args...)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, b.path, args...)
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		b.log.Debug("screenshot capture failed", "device", deviceID, "error", err)
		return nil
	}
	if stdout.Len() == 0 {
		b.log.Debug("screenshot capture returned no data", "device", deviceID)
		return nil
	}

	return &models.Screenshot{
		DeviceID:   deviceID,
		Data:       stdout.Bytes(),
		CapturedAt: time.Now(),
	}
}

func (b *Bridge) CheckAvailability(ctx context.Context) bool {
	if err := exec.CommandContext(ctx, b.path, "version").Run(); err != nil {
		b.log.Debug("bridge unavailable", "path", b.path, "error", err)
		return false
	}
	return true
}
