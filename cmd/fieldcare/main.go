// Package main is the entry point for the fieldcare offline capture and sync service.
package main

import (
	"os"

	"github.com/coachpo/fieldcare/cmd/fieldcare/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
