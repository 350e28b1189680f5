package usb

import (
	"github.com/google/gousb"
)

type DeviceType int

const (
	Unknown DeviceType = iota
	// Modems
	ModemLE910C4
)

type Device struct {
	Name      string
	VendorID  gousb.ID
	ProductID gousb.ID
}

func (d *Device) String() string {
	return d.Name + " vid: " + d.VendorID.String() + " pid: " + d.ProductID.String()
}

var SupportedDevices = map[DeviceType]*Device{
	ModemLE910C4: {
		VendorID:  0x1bc7,
		ProductID: 0x1201,
		Name:      "Telit LE910C4",
	},
}
