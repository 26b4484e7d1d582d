package main

import (
	"context"
	"log"

	"orbitcut/server/internal/app"
)

func main() {
	if err := app.Run(context.Background(), app.DefaultConfig()); err != nil {
		log.Fatalf("%v", err)
	}
}
