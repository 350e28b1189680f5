// Package usb detects supported hardware on the bus. The daemon's
// startup sequencing checks modem presence here before touching the
// serial device node.
package usb

import (
	"github.com/davidbonn/modems/pkg/log"
	"github.com/google/gousb"
	"go.uber.org/zap"
)

// Present reports whether the given device is currently attached.
func Present(target DeviceType) bool {
	d, ok := SupportedDevices[target]
	if !ok {
		return false
	}

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	dev, err := usbCtx.OpenDeviceWithVIDPID(d.VendorID, d.ProductID)
	if dev == nil {
		log.Debug("device not attached", zap.String("device", d.String()))
		return false
	}
	dev.Close()

	if err != nil {
		log.Error("error while probing usb devices", zap.Error(err))
		return false
	}

	log.Debug("found supported device", zap.String("device", d.String()))
	return true
}
