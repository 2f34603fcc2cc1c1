// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command morpheusx-dev is the pre-EBS developer tool: it downloads and
// builds the pinned TamaGo Go toolchain, cross-compiles cmd/morpheusx,
// builds a scratch disk image to test the download pipeline against, and
// runs/drives the result under QEMU. It replaces a setup-dev.sh shell
// script with a single Go binary, the same job cmd/tamago already does
// for fetching and running a pinned toolchain.
package main

import (
	"flag"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitMissing = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "setup":
		return cmdSetup(args[1:])
	case "build":
		return cmdBuild(args[1:])
	case "run":
		return cmdRun(args[1:])
	case "disk":
		return cmdDisk(args[1:])
	case "install":
		return cmdInstall(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "clean":
		return cmdClean(args[1:])
	case "interactive":
		return cmdInteractive(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "morpheusx-dev: unknown subcommand %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: morpheusx-dev <setup|build|run|disk|install|status|clean|interactive> [flags]")
}

// cmdSetup installs the pinned TamaGo Go toolchain, same job cmd/tamago
// does on first invocation: clone tamago-go at the pinned tag and run
// its make script.
func cmdSetup(args []string) int {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	force := fs.Bool("force", false, "reinstall even if the toolchain is already present")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	root, err := toolchainRoot()

	if err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: %v\n", err)
		return exitMissing
	}

	gobin := goBinary(root)

	if _, err := os.Stat(gobin); err == nil && !*force {
		fmt.Printf("morpheusx-dev: toolchain already installed at %s\n", root)
		return exitOK
	}

	fmt.Printf("morpheusx-dev: installing tamago-go at %s...\n", root)

	if err := installToolchain(root); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: install: %v\n", err)
		return exitMissing
	}

	return exitOK
}

// cmdBuild cross-compiles cmd/morpheusx with GOOS=tamago GOARCH=amd64
// using the pinned toolchain.
func cmdBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	out := fs.String("o", "morpheusx.elf", "output binary path")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	root, err := toolchainRoot()

	if err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: %v\n", err)
		return exitMissing
	}

	gobin := goBinary(root)

	if _, err := os.Stat(gobin); err != nil {
		fmt.Fprintln(os.Stderr, "morpheusx-dev: toolchain not installed, run `morpheusx-dev setup` first")
		return exitMissing
	}

	if err := buildImage(gobin, *out); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: build: %v\n", err)
		return exitMissing
	}

	fmt.Printf("morpheusx-dev: built %s\n", *out)

	return exitOK
}

// cmdRun builds (if needed) and launches the image under QEMU's microvm
// machine with a VirtIO NIC and a scratch block device attached.
func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	image := fs.String("image", "morpheusx.elf", "image to run")
	disk := fs.String("disk", "scratch.img", "block device image")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := os.Stat(*image); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: %s not found, run `morpheusx-dev build` first\n", *image)
		return exitMissing
	}

	if _, err := os.Stat(*disk); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: %s not found, run `morpheusx-dev disk` first\n", *disk)
		return exitMissing
	}

	if err := runQEMU(*image, *disk, false); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: run: %v\n", err)
		return exitMissing
	}

	return exitOK
}

// cmdDisk creates a scratch raw disk image of the requested size, zero
// filled, for the download pipeline to write into during a test run.
func cmdDisk(args []string) int {
	fs := flag.NewFlagSet("disk", flag.ContinueOnError)
	path := fs.String("path", "scratch.img", "output disk image path")
	sizeMiB := fs.Int64("size", 128, "disk image size in MiB")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *sizeMiB <= 0 {
		fmt.Fprintln(os.Stderr, "morpheusx-dev: -size must be positive")
		return exitUsage
	}

	if err := createScratchDisk(*path, *sizeMiB); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: disk: %v\n", err)
		return exitMissing
	}

	fmt.Printf("morpheusx-dev: created %s (%d MiB)\n", *path, *sizeMiB)

	return exitOK
}

// cmdInstall is an alias for setup kept for symmetry with the
// setup-dev.sh subcommand names this tool replaces.
func cmdInstall(args []string) int {
	return cmdSetup(args)
}

// cmdStatus reports whether the toolchain is installed and which
// version is pinned.
func cmdStatus(args []string) int {
	root, err := toolchainRoot()

	if err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: %v\n", err)
		return exitMissing
	}

	gobin := goBinary(root)

	if _, err := os.Stat(gobin); err != nil {
		fmt.Println("morpheusx-dev: toolchain not installed")
		return exitOK
	}

	fmt.Printf("morpheusx-dev: toolchain installed at %s\n", root)

	return exitOK
}

// cmdClean removes the cached toolchain; build artifacts in the current
// directory are left in place.
func cmdClean(args []string) int {
	root, err := toolchainRoot()

	if err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: %v\n", err)
		return exitMissing
	}

	if err := os.RemoveAll(root); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: clean: %v\n", err)
		return exitMissing
	}

	fmt.Println("morpheusx-dev: toolchain cache removed")

	return exitOK
}

// cmdInteractive drops into QEMU's interactive monitor against the
// built image, for stepping through bring-up by hand.
func cmdInteractive(args []string) int {
	fs := flag.NewFlagSet("interactive", flag.ContinueOnError)
	image := fs.String("image", "morpheusx.elf", "image to run")
	disk := fs.String("disk", "scratch.img", "block device image")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if err := runQEMU(*image, *disk, true); err != nil {
		fmt.Fprintf(os.Stderr, "morpheusx-dev: interactive: %v\n", err)
		return exitMissing
	}

	return exitOK
}
