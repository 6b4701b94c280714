package cmd

import (
	"fmt"
)

const banner = `
  _    _                 _   _
 | |  | |               | | | |
 | |__| | ___  __ _ _ __| |_| |__
 |  __  |/ _ \/ _` + "`" + ` | '__| __| '_ \
 | |  | |  __/ (_| | |  | |_| | | |
 |_|  |_|\___|\__,_|_|   \__|_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Federated Identity Home Server - Version %s\x1b[0m\n\n", Version)
}
