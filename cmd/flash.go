// Copyright © 2019 Marcus Mengs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mame82/odincore/odin"
)

var (
	flagBootloaderPath string
	flagAPPath         string
	flagCPPath         string
	flagCSCPath        string
	flagUMSPath        string
	flagPitPath        string
	flagEraseNand      bool
)

func bindFlashFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagBootloaderPath, "bootloader", "b", "", "bootloader payload file")
	cmd.Flags().StringVarP(&flagAPPath, "ap", "a", "", "AP payload file")
	cmd.Flags().StringVarP(&flagCPPath, "cp", "c", "", "CP payload file")
	cmd.Flags().StringVarP(&flagCSCPath, "csc", "s", "", "CSC payload file")
	cmd.Flags().StringVarP(&flagUMSPath, "ums", "u", "", "UMS payload file")
	cmd.Flags().StringVarP(&flagPitPath, "pit", "V", "", "PIT file for validation / send")
	cmd.Flags().BoolVarP(&flagEraseNand, "erase", "e", false, "enable NAND erase")
}

// buildPackage assembles a FirmwarePackage from whichever path flags the
// caller set, per §4.5's six path-setter operations.
func buildPackage() (*odin.FirmwarePackage, error) {
	pkg := odin.NewFirmwarePackage()

	setters := []struct {
		path string
		set  func(string) error
	}{
		{flagBootloaderPath, pkg.SetBootloader},
		{flagAPPath, pkg.SetAP},
		{flagCPPath, pkg.SetCP},
		{flagCSCPath, pkg.SetCSC},
		{flagUMSPath, pkg.SetUMS},
	}
	for _, s := range setters {
		if s.path == "" {
			continue
		}
		if err := s.set(s.path); err != nil {
			return nil, err
		}
	}
	if flagPitPath != "" {
		if err := pkg.SetPIT(flagPitPath); err != nil {
			return nil, err
		}
	}
	return pkg, nil
}

// runFlash resolves target devices, builds the firmware package once,
// and spawns one OS-thread-locked worker per device, matching §5's
// one-context-per-libusb-handle requirement.
func runFlash() error {
	pkg, err := buildPackage()
	if err != nil {
		return err
	}
	if !flagRedownload && len(pkg.Entries) == 0 && pkg.Pit == nil {
		return fmt.Errorf("no firmware file given for flashing; use -b/-a/-c/-s/-u or -V")
	}

	paths := flagDevicePaths
	if len(paths) == 0 {
		enum := odin.NewDeviceEnumerator()
		infos, err := enum.List()
		enum.Close()
		if err != nil {
			return err
		}
		for _, info := range infos {
			paths = append(paths, info.Path())
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("no download-mode devices found")
	}

	var successCount int64
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(devicePath string) {
			defer wg.Done()
			if flashOneDevice(devicePath, pkg) {
				atomic.AddInt64(&successCount, 1)
			}
		}(path)
	}
	wg.Wait()

	if int(successCount) != len(paths) {
		return fmt.Errorf("%d/%d devices flashed successfully", successCount, len(paths))
	}
	return nil
}

// flashOneDevice runs one full session against a single device. It
// locks its goroutine to an OS thread for the lifetime of the libusb
// context it opens, since gousb handles are not safe to share across
// threads.
func flashOneDevice(path string, pkg *odin.FirmwarePackage) bool {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	entry := log.WithFields(log.Fields{"component": "flash", "device": path})

	transport, err := odin.OpenTransport(path)
	if err != nil {
		entry.WithError(err).Error("failed to open device")
		return false
	}
	defer transport.Close()

	engine := odin.NewProtocolEngine(transport, pkg, flagEraseNand, path)

	if flagRedownload {
		if err := engine.Redownload(); err != nil {
			entry.WithError(err).Error("redownload failed")
			return false
		}
		entry.Info("device rebooting into download mode")
		return true
	}

	summary := engine.Download()
	if summary.Err != nil {
		entry.WithError(summary.Err).Error("flash failed")
		return false
	}

	entry.WithFields(log.Fields{
		"entriesSent": summary.EntriesSent,
		"bytesSent":   summary.BytesSent,
	}).Info("flash complete")
	return true
}
