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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mame82/odincore/odin"
)

var (
	flagLicense     bool
	flagListDevices bool
	flagDevicePaths []string
	flagReboot      bool
	flagRedownload  bool
)

const licenseText = `odincore  Copyright (C) 2026
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it
under the terms of the GNU General Public License version 3.
`

var rootCmd = &cobra.Command{
	Use:     "odincore",
	Short:   "Flash Samsung download-mode firmware over USB",
	Version: "0.1.0",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case flagLicense:
			fmt.Print(licenseText)
			return nil
		case flagListDevices:
			return listDevices()
		default:
			// --reboot is cosmetic: the device already reboots to normal
			// mode unconditionally at the end of a successful download.
			if flagReboot {
				fmt.Println("Reboot into normal mode")
			}
			return runFlash()
		}
	},
}

// Execute runs the root command and returns the process exit code: 0 on
// success, 1 after logging the error; main.go passes it to os.Exit.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		log.WithField("component", "cmd").Error(err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagLicense, "license", "w", false, "print license text and exit")
	rootCmd.PersistentFlags().BoolVarP(&flagListDevices, "list", "l", false, "list download-mode device paths, one per line")
	rootCmd.PersistentFlags().StringArrayVarP(&flagDevicePaths, "device", "d", nil, "target device path (repeatable); default is every matching device")
	rootCmd.PersistentFlags().BoolVar(&flagReboot, "reboot", false, "reboot to normal mode after flashing")
	rootCmd.PersistentFlags().BoolVar(&flagRedownload, "redownload", false, "reboot back into download mode instead of flashing")

	bindFlashFlags(rootCmd)
}

func listDevices() error {
	enum := odin.NewDeviceEnumerator()
	defer enum.Close()

	infos, err := enum.List()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintln(os.Stdout, info.Path())
	}
	return nil
}
