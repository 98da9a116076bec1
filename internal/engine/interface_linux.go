// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

//go:build linux

package engine

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/tun"
)

// createTUN creates a userspace TUN device. Unlike the kernel WireGuard
// link type, this interface carries plaintext packets between the kernel
// and the userspace device.Device; netlink is used only for address
// assignment and link-up, not link creation.
func createTUN(preferredName string, mtu int) (tun.Device, string, error) {
	name := preferredName
	if name == "" {
		name = "loom0"
	}

	tunDev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, "", fmt.Errorf("create tun %s: %w", name, err)
	}

	actualName, err := tunDev.Name()
	if err != nil {
		tunDev.Close()
		return nil, "", fmt.Errorf("read tun interface name: %w", err)
	}

	return tunDev, actualName, nil
}

func addAddress(name string, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", name, err)
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}

	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address %s to %s: %w", cidr, name, err)
	}

	return nil
}

func setInterfaceUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}

	return nil
}
