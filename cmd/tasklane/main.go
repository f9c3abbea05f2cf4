package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"

	"tasklane/cmd/internal/app"
)

func main() {
	// .env is optional; the process environment always wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
