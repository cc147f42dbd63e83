package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// ---- Optional .env, never overriding the real environment ----
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("[optionsbot] WARNING: cannot load .env: %v", err)
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
