// Standalone mock forum for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in other terminals:
//
//	go run ./cmd/feedwatch serve -c example/config.yaml
//	go run ./cmd/feedwatch serve -c example/config.yaml --port 8081
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jpalmerr/feedwatch/internal/forumtest"
)

func main() {
	users := []string{"alice", "bob", "carol"}
	if len(os.Args) > 1 {
		users = strings.Split(os.Args[1], ",")
	}

	fmt.Println("Mock forum starting on :9999")
	fmt.Printf("Users: %s (a post or like every few seconds)\n", strings.Join(users, ", "))
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	forum := forumtest.New()
	for _, u := range users {
		forum.AddUser(u)
	}

	go func() {
		for {
			time.Sleep(time.Duration(3+rand.Intn(8)) * time.Second)
			user := users[rand.Intn(len(users))]
			if rand.Intn(3) == 0 {
				target := users[rand.Intn(len(users))]
				forum.Like(user, target)
				slog.Info("activity", "user", user, "action", "like", "target", target)
				continue
			}
			forum.Post(user, fmt.Sprintf("post at %s", time.Now().Format(time.Kitchen)))
			slog.Info("activity", "user", user, "action", "post", "requests", forum.Requests())
		}
	}()

	if err := http.ListenAndServe(":9999", forum); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
