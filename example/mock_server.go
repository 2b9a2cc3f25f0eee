package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/jpalmerr/feedwatch/internal/forumtest"
)

var excerpts = []string{
	"Has anyone tried the new release?",
	"Thanks, that fixed it for me.",
	"I wrote up the steps in the wiki.",
	"Closing this as a duplicate.",
	"Could you share the full log?",
}

// StartMockForum serves a fake forum on addr with the given users and keeps
// generating activity for them. Each user acts every 10-40 seconds.
// Call this in a goroutine before starting feedwatch instances.
func StartMockForum(ctx context.Context, addr string, users ...string) {
	forum := forumtest.New()
	for _, u := range users {
		forum.AddUser(u)
	}

	go func() {
		for {
			wait := time.Duration(10+rand.Intn(31)) * time.Second / time.Duration(len(users))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			user := users[rand.Intn(len(users))]
			if rand.Intn(3) == 0 {
				other := users[rand.Intn(len(users))]
				forum.Like(user, other)
				slog.Info("mock activity", "user", user, "action", "like", "target", other)
				continue
			}
			forum.Post(user, excerpts[rand.Intn(len(excerpts))])
			slog.Info("mock activity", "user", user, "action", "post")
		}
	}()

	srv := &http.Server{Addr: addr, Handler: forum}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("mock forum error", "error", err)
	}
}

// forumURL returns the base URL of a mock forum served on addr.
func forumURL(addr string) string {
	return fmt.Sprintf("http://localhost%s", addr)
}
