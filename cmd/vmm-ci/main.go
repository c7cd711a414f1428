package main

import (
	"log"
	"os"

	"github.com/rustvmm/ci/internal/settings"
)

func main() {
	log.SetFlags(0)
	settings.ReadDotenv(".env")

	if err := rootCmd().Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
