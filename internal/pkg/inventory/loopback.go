// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inventory

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/freddierice/go-losetup/v2"
	"golang.org/x/sys/unix"
)

// AttachImage attaches a raw disk image to a loop device, so installations
// can target an image file the same way they target a physical disk.
//
// Returns the loop device to install to; the caller must detach it when the
// installation finishes.
func AttachImage(imagePath string) (losetup.Device, error) {
	var (
		dev losetup.Device
		err error
	)

	// attach races with other losetup users over the next free device
	for range 10 {
		dev, err = losetup.Attach(imagePath, 0, false)
		if err == nil {
			return dev, nil
		}

		if !errors.Is(err, unix.EBUSY) {
			break
		}

		time.Sleep(time.Duration(rand.ExpFloat64() * float64(time.Second)))
	}

	return losetup.Device{}, fmt.Errorf("failed to attach %q to a loop device: %w", imagePath, err)
}

// DetachImage detaches a previously attached loop device.
func DetachImage(dev losetup.Device) error {
	if err := dev.Detach(); err != nil {
		return fmt.Errorf("failed to detach %q: %w", dev.Path(), err)
	}

	return nil
}
