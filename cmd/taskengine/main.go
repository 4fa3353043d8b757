package main

import (
	"fmt"
	"os"

	"github.com/orbitflow/taskengine/internal/app"
	"github.com/orbitflow/taskengine/internal/platform/envutil"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	runServer := envutil.Bool("RUN_SERVER", true)
	runWorker := envutil.Bool("RUN_WORKER", true)

	a.Start(runServer, runWorker)

	if runServer {
		port := envutil.String("PORT", "8080")
		fmt.Printf("task engine listening on :%s\n", port)
		if err := a.Run(":" + port); err != nil {
			a.Log.Warn("server failed", "error", err)
		}
		return
	}

	select {}
}
