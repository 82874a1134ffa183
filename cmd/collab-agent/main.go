// collab-agent joins a template's collaboration room from the terminal. It
// prints presence and change activity as it happens and broadcasts typed
// lines as comments, which makes it a handy smoke test against a running
// collabd.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaneah/infyemailer-sub009/internal/auth"
	"github.com/shaneah/infyemailer-sub009/internal/discovery"
	"github.com/shaneah/infyemailer-sub009/pkg/collab"
	"github.com/shaneah/infyemailer-sub009/pkg/collabclient"
)

func main() {
	var (
		serverURL  = flag.String("url", "", "server url, e.g. ws://localhost:8081 (empty: discover via mdns)")
		templateID = flag.String("template", "", "template id to join (required)")
		name       = flag.String("name", "agent", "display name")
		role       = flag.String("role", "editor", "role shown to other members")
		secret     = flag.String("secret", "", "token secret shared with the server (required)")
		cachePath  = flag.String("cache", "", "optional bbolt snapshot cache path")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "agent ", log.LstdFlags)
	if *templateID == "" || *secret == "" {
		flag.Usage()
		os.Exit(2)
	}

	url := *serverURL
	if url == "" {
		logger.Println("discovering server via mdns...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		addr, err := discovery.Browse(ctx)
		cancel()
		if err != nil {
			logger.Fatalf("%v", err)
		}
		url = "ws://" + addr
		logger.Printf("found server at %s", url)
	}

	token, err := auth.NewSigner(*secret).Sign(auth.Claims{
		UserID:    uuid.NewString(),
		Name:      *name,
		Role:      *role,
		ExpiresAt: time.Now().Add(12 * time.Hour).Unix(),
	})
	if err != nil {
		logger.Fatalf("sign token: %v", err)
	}

	client, err := collabclient.New(collabclient.Options{
		ServerURL:  url,
		TemplateID: *templateID,
		Token:      token,
		CachePath:  *cachePath,
		Logger:     logger,
		OnStateChange: func(s collabclient.State) {
			fmt.Printf("* %s\n", s)
		},
		OnPresence: func(users []collab.User) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, u.Name)
			}
			fmt.Printf("* in room: %s\n", strings.Join(names, ", "))
		},
		OnTemplateChange: func(from collab.User, ch collab.TemplateChange) {
			fmt.Printf("* %s: %s %s %s (v%d)\n", from.Name, ch.Type, ch.TargetType, ch.TargetID, ch.Version)
		},
		OnNotification: func(env collab.Envelope) {
			who := "someone"
			if env.User != nil {
				who = env.User.Name
			}
			fmt.Printf("* [%s] %s: %s\n", env.Type, who, env.Message)
		},
		OnStaleChange: func(version int64) {
			fmt.Printf("* change rejected, resynced to v%d\n", version)
		},
	})
	if err != nil {
		logger.Fatalf("%v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		logger.Fatalf("%v", err)
	}
	defer client.Close()

	fmt.Println("type to comment, /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		default:
			if err := client.Notify(collab.TypeCommentAdded, line); err != nil {
				logger.Printf("send: %v", err)
			}
		}
	}
}
