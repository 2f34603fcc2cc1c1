// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// pinnedTag is the tamago-go release this module builds against.
const pinnedTag = "tamago-go1.23.1"

func toolchainRoot() (string, error) {
	cache, err := os.UserCacheDir()

	if err != nil {
		return "", fmt.Errorf("failed to get cache directory: %w", err)
	}

	return filepath.Join(cache, "morpheusx-dev", pinnedTag), nil
}

func goBinary(root string) string {
	return filepath.Join(root, "bin", "go"+exeSuffix())
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}

	return ""
}

func installToolchain(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create toolchain directory: %w", err)
	}

	cmd := exec.Command("git", "clone", "--depth=1", "--branch="+pinnedTag, "https://github.com/usbarmory/tamago-go", root)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to clone tamago-go: %w", err)
	}

	cmd = exec.Command(filepath.Join(root, "src", makeScript()))
	cmd.Dir = filepath.Join(root, "src")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	newPath := filepath.Join(root, "bin")

	if p := os.Getenv("PATH"); p != "" {
		newPath += string(filepath.ListSeparator) + p
	}

	cmd.Env = append(os.Environ(), "PATH="+newPath, "PWD="+cmd.Dir)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to build go: %w", err)
	}

	return nil
}

func makeScript() string {
	switch runtime.GOOS {
	case "plan9":
		return "make.rc"
	case "windows":
		return "make.bat"
	default:
		return "make.bash"
	}
}

// buildImage cross-compiles cmd/morpheusx with the pinned toolchain for
// GOOS=tamago GOARCH=amd64, matching the board's own build invocation.
func buildImage(gobin, out string) error {
	cmd := exec.Command(gobin, "build", "-o", out, "./cmd/morpheusx")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "GOOS=tamago", "GOARCH=amd64")

	return cmd.Run()
}

// runQEMU launches image under QEMU's microvm machine with a VirtIO NIC
// and disk attached. interactive drops into the QEMU monitor instead of
// running headless.
func runQEMU(image, disk string, interactive bool) error {
	args := []string{
		"-M", "microvm,x-option-roms=off,isa-serial=off,rtc=off",
		"-m", "256M",
		"-kernel", image,
		"-nodefaults",
		"-no-acpi",
		"-device", "virtio-net-device,netdev=net0",
		"-netdev", "user,id=net0",
		"-drive", "if=none,id=blk0,format=raw,file=" + disk,
		"-device", "virtio-blk-device,drive=blk0",
		"-serial", "stdio",
	}

	if interactive {
		args = append(args, "-monitor", "stdio")
	} else {
		args = append(args, "-display", "none")
	}

	cmd := exec.Command("qemu-system-x86_64", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	ignoreSignals()

	return cmd.Run()
}

// createScratchDisk writes a zero-filled raw disk image of sizeMiB
// mebibytes for the download pipeline to write into during a test run.
func createScratchDisk(path string, sizeMiB int64) error {
	f, err := os.Create(path)

	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	defer f.Close()

	if err := f.Truncate(sizeMiB * 1024 * 1024); err != nil {
		return fmt.Errorf("failed to size %s: %w", path, err)
	}

	return nil
}
