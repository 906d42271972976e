// Command larkbilling はLark課金プラグインのAPIサーバー、ワーカー、マイグレーションを起動する。
//
//	larkbilling [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/larkbilling/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "larkbilling: %v\n", err)
		os.Exit(1)
	}
}
