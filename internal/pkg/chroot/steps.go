// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chroot

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/plan"
)

// resolvConf copies the host resolver configuration so that network access
// works inside the chroot (package hooks, post-install commands).
func (c *Configurator) resolvConf(_ context.Context, _ *plan.ValidatedPlan, _ partitioner.Map, set *mount.Set) error {
	src, err := os.Open("/etc/resolv.conf")
	if err != nil {
		if os.IsNotExist(err) {
			// hosts without a resolver config are fine, the target just
			// starts without one
			return nil
		}

		return err
	}

	defer src.Close() //nolint:errcheck

	dst, err := os.OpenFile(chrootPath(set, "etc", "resolv.conf"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err = io.Copy(dst, src); err != nil {
		dst.Close() //nolint:errcheck

		return err
	}

	return dst.Close()
}

func (c *Configurator) hostname(_ context.Context, vp *plan.ValidatedPlan, _ partitioner.Map, set *mount.Set) error {
	if vp.Options.Hostname == "" {
		return nil
	}

	return os.WriteFile(chrootPath(set, "etc", "hostname"), []byte(vp.Options.Hostname+"\n"), 0o644)
}

// timezone links /etc/localtime to the requested zone and syncs the hardware
// clock. A zone missing from the target tree is an error; an hwclock failure
// is only logged, some targets run without RTC access.
func (c *Configurator) timezone(ctx context.Context, vp *plan.ValidatedPlan, _ partitioner.Map, set *mount.Set) error {
	if vp.Options.Timezone == "" {
		return nil
	}

	zonePath := "/usr/share/zoneinfo/" + vp.Options.Timezone

	if _, err := os.Stat(chrootPath(set, zonePath)); err != nil {
		return fmt.Errorf("timezone %q not present in the target: %w", vp.Options.Timezone, err)
	}

	if _, err := c.run(ctx, set.RootTarget(), "ln -sf "+shQuote(zonePath)+" /etc/localtime"); err != nil {
		return err
	}

	if out, err := c.run(ctx, set.RootTarget(), "hwclock --systohc"); err != nil {
		c.logger.Warn("hwclock failed", zap.String("output", out), zap.Error(err))
	}

	return nil
}

func (c *Configurator) locale(ctx context.Context, vp *plan.ValidatedPlan, _ partitioner.Map, set *mount.Set) error {
	if vp.Options.Locale == "" {
		return nil
	}

	locale := vp.Options.Locale

	script := "echo " + shQuote(locale+" UTF-8") + " > /etc/locale.gen && locale-gen && echo " + shQuote("LANG="+locale) + " > /etc/locale.conf"

	_, err := c.run(ctx, set.RootTarget(), script)

	return err
}

// users sets the root password and creates the initial user account.
//
// Plans carry crypt(3) digests, never plaintext; a plan without a root digest
// falls back to the well-known default so the system is not left with a
// locked root account.
func (c *Configurator) users(ctx context.Context, vp *plan.ValidatedPlan, _ partitioner.Map, set *mount.Set) error {
	root := set.RootTarget()

	if digest := vp.Options.RootPasswordDigest; digest != "" {
		if _, err := c.run(ctx, root, "echo "+shQuote("root:"+digest)+" | chpasswd -e"); err != nil {
			return fmt.Errorf("failed to set root password: %w", err)
		}
	} else {
		c.logger.Warn("no root password digest in the plan, defaulting root password to 'root'")

		if _, err := c.run(ctx, root, "echo 'root:root' | chpasswd"); err != nil {
			return fmt.Errorf("failed to set default root password: %w", err)
		}
	}

	user := vp.Options.User
	if user == nil {
		return nil
	}

	shell := user.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	useradd := "useradd -m -s " + shQuote(shell)

	if user.Sudo {
		useradd += " -G wheel"
	}

	useradd += " " + shQuote(user.Name)

	if _, err := c.run(ctx, root, useradd); err != nil {
		return fmt.Errorf("failed to create user %q: %w", user.Name, err)
	}

	if user.PasswordDigest != "" {
		if _, err := c.run(ctx, root, "echo "+shQuote(user.Name+":"+user.PasswordDigest)+" | chpasswd -e"); err != nil {
			return fmt.Errorf("failed to set password for %q: %w", user.Name, err)
		}
	}

	if user.Sudo {
		script := `sed -i 's/^# %wheel ALL=(ALL:ALL) ALL/%wheel ALL=(ALL:ALL) ALL/' /etc/sudoers`

		if _, err := c.run(ctx, root, script); err != nil {
			return fmt.Errorf("failed to enable wheel sudoers rule: %w", err)
		}
	}

	return nil
}

// machineID initializes /etc/machine-id. Non-systemd targets lack the tool,
// so a failure here is only logged.
func (c *Configurator) machineID(ctx context.Context, _ *plan.ValidatedPlan, _ partitioner.Map, set *mount.Set) error {
	if out, err := c.run(ctx, set.RootTarget(), "systemd-machine-id-setup"); err != nil {
		c.logger.Warn("machine-id setup failed", zap.String("output", out), zap.Error(err))
	}

	return nil
}

// bootloader installs GRUB for the plan's firmware mode and regenerates the
// GRUB configuration.
func (c *Configurator) bootloader(ctx context.Context, vp *plan.ValidatedPlan, set *mount.Set) error {
	root := set.RootTarget()

	var install string

	switch vp.Options.Bootloader {
	case plan.FirmwareUEFI:
		install = "grub-install --target=x86_64-efi --efi-directory=/boot/efi --bootloader-id=anvil --recheck"
	case plan.FirmwareBIOS:
		install = "grub-install --target=i386-pc --recheck " + shQuote(c.bootDevice(vp))
	default:
		return fmt.Errorf("unknown firmware mode %q", vp.Options.Bootloader)
	}

	if out, err := c.run(ctx, root, install); err != nil {
		return fmt.Errorf("grub-install failed: %w (output: %s)", err, out)
	}

	if out, err := c.run(ctx, root, "grub-mkconfig -o /boot/grub/grub.cfg"); err != nil {
		return fmt.Errorf("grub-mkconfig failed: %w (output: %s)", err, out)
	}

	return nil
}

// bootDevice is the disk the BIOS bootloader is written to: the explicit
// override when set, the disk holding the root partition otherwise.
func (c *Configurator) bootDevice(vp *plan.ValidatedPlan) string {
	if vp.Options.BootDevice != "" {
		return vp.Options.BootDevice
	}

	if rp := vp.RolePartition(plan.RoleRoot); rp != nil {
		return rp.Device
	}

	return ""
}
