package main

import (
	"log"
	"os"

	"github.com/aquasecurity/pypi-audit/pkg"
)

var (
	version = "dev"
)

func main() {
	app := pkg.NewApp(version)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}
