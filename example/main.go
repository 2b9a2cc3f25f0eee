package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jpalmerr/feedwatch"
)

const mockAddr = ":9999"

func main() {
	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	users := []string{"alice", "bob", "carol"}

	// start mock forum (see mock_server.go)
	go StartMockForum(ctx, mockAddr, users...)
	time.Sleep(100 * time.Millisecond)

	// three instances in one process share a hub, the way tabs share a
	// browser; only the elected leader talks to the forum
	hub := feedwatch.NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("tab-%d", i+1)
		logger := slog.Default().With("tab", id)

		fw, err := feedwatch.New(
			feedwatch.WithForum(forumURL(mockAddr)),
			feedwatch.WithEntities(users...),
			feedwatch.WithHub(hub),
			feedwatch.WithInstanceID(id),
			feedwatch.WithPort(8080+i),
			feedwatch.WithBaseInterval(10*time.Second),
			feedwatch.WithLogger(logger),
			feedwatch.WithRoleChangeCallback(func(from, to feedwatch.Role) {
				logger.Info("role changed", "from", from, "to", to)
			}),
			feedwatch.WithNewActionCallback(func(a feedwatch.Activity) {
				fmt.Printf("  [%s] %s: %s %q\n", id, a.Entity, a.Kind, a.Excerpt)
			}),
		)
		if err != nil {
			slog.Error("failed to create feedwatch", "error", err)
			os.Exit(1)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fw.Start(ctx); err != nil {
				logger.Error("feedwatch error", "error", err)
				stop()
			}
		}()
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   feedwatch Demo                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   3 instances watching alice, bob and carol           ║")
	fmt.Println("  ║   on a mock forum at http://localhost:9999            ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Views:                                              ║")
	fmt.Println("  ║   • http://localhost:8080/api/snapshot                ║")
	fmt.Println("  ║   • http://localhost:8081/api/sse                     ║")
	fmt.Println("  ║   • http://localhost:8082/api/metrics                 ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	wg.Wait()
}
