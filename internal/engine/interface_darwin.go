// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

//go:build darwin

package engine

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"golang.zx2c4.com/wireguard/tun"
)

func createTUN(preferredName string, mtu int) (tun.Device, string, error) {
	// macOS assigns utun numbers itself; "utun" lets the kernel pick the
	// next free one regardless of what the caller asked for.
	tunDev, err := tun.CreateTUN("utun", mtu)
	if err != nil {
		return nil, "", fmt.Errorf("create tun device: %w", err)
	}

	name, err := tunInterfaceName(tunDev)
	if err != nil {
		tunDev.Close()
		return nil, "", fmt.Errorf("read tun interface name: %w", err)
	}

	return tunDev, name, nil
}

func tunInterfaceName(tunDev tun.Device) (string, error) {
	file := tunDev.File()
	if file == nil {
		return "", fmt.Errorf("tun device has no file descriptor")
	}
	return getInterfaceNameFromFD(int(file.Fd()))
}

func addAddress(name string, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parse cidr %s: %w", cidr, err)
	}
	maskSize, _ := ipNet.Mask.Size()

	// macOS point-to-point syntax: ifconfig utunX inet IP/prefix IP.
	cmd := exec.Command("ifconfig", name, "inet", fmt.Sprintf("%s/%d", ip.String(), maskSize), ip.String())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("add address %s to %s: %w (%s)", cidr, name, err, strings.TrimSpace(string(out)))
	}

	return nil
}

func setInterfaceUp(name string) error {
	cmd := exec.Command("ifconfig", name, "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("set %s up: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
