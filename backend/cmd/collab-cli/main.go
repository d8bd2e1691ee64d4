// Command collab-cli joins a snippet edit session from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"snippetCollab/backend/config"
	"snippetCollab/backend/internal/editsync"
	"snippetCollab/backend/internal/protocol"
)

func main() {
	app := &cli.App{
		Name:  "collab-cli",
		Usage: "Watch or edit a snippet through the collaboration server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8082", Usage: "server base URL", EnvVars: []string{"COLLAB_SERVER"}},
			&cli.StringFlag{Name: "token", Usage: "access token", EnvVars: []string{"COLLAB_TOKEN"}},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Value: "cli", Usage: "user id"},
			&cli.StringFlag{Name: "context", Value: protocol.ContextPersonal, Usage: "personal or collection"},
		},
		Commands: []*cli.Command{
			{
				Name:      "watch",
				Usage:     "Print every change, cursor move and save of a document",
				ArgsUsage: "<documentId>",
				Action:    watch,
			},
			{
				Name:      "set",
				Usage:     "Replace one field of a document",
				ArgsUsage: "<documentId>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "field", Value: protocol.FieldContent},
					&cli.StringFlag{Name: "value", Required: true},
					&cli.BoolFlag{Name: "save", Usage: "also announce a save"},
				},
				Action: set,
			},
			{
				Name:   "ping",
				Usage:  "Check server health",
				Action: ping,
			},
			{
				Name:      "editors",
				Usage:     "List the editors of a document",
				ArgsUsage: "<documentId>",
				Action:    editors,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func wsURL(server string) string {
	u := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/collab/ws"
}

func documentArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("missing <documentId>")
	}
	return c.Args().First(), nil
}

func newClient(c *cli.Context, docID string, dopts editsync.DocumentOptions) *editsync.Client {
	dopts.DocumentID = docID
	dopts.UserID = c.String("user")
	dopts.Context = c.String("context")
	dopts.Tunables = config.DefaultTunables()
	return editsync.NewClient(editsync.ClientOptions{
		URL:   wsURL(c.String("server")),
		Token: c.String("token"),
		OnStatus: func(connected bool) {
			log.Printf("connected=%v", connected)
		},
	}, dopts, nil)
}

func watch(c *cli.Context) error {
	docID, err := documentArg(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newClient(c, docID, editsync.DocumentOptions{
		OnChange: func(field, value string) {
			fmt.Printf("[%s] %s = %q\n", time.Now().Format("15:04:05"), field, value)
		},
		OnUsers: func(users []protocol.UserView) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, u.DisplayName+"("+u.UserID+")")
			}
			fmt.Printf("editors: %s\n", strings.Join(names, ", "))
		},
		OnSaved: func(userID string, data map[string]any) {
			fmt.Printf("saved by %s: %d fields\n", userID, len(data))
		},
		OnError: func(content string) {
			fmt.Fprintf(os.Stderr, "server error: %s\n", content)
		},
	})
	defer client.Close()
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func set(c *cli.Context) error {
	docID, err := documentArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := newClient(c, docID, editsync.DocumentOptions{})
	errc := make(chan error, 1)
	go func() { errc <- client.Run(ctx) }()

	for !client.Connected() {
		select {
		case err := <-errc:
			return fmt.Errorf("connect: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	field := c.String("field")
	value := c.String("value")
	f := client.Document().Field(field)
	f.Input(value, len([]rune(value)))
	f.Flush()
	if c.Bool("save") {
		if err := client.Document().Save(map[string]any{field: value}); err != nil {
			return err
		}
	}
	fmt.Printf("%s/%s updated\n", docID, field)
	return client.Close()
}

func getJSON(c *cli.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.String("server"), "/")+path, nil)
	if err != nil {
		return err
	}
	if tok := c.String("token"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func ping(c *cli.Context) error {
	var res map[string]any
	if err := getJSON(c, "/collab/healthz", &res); err != nil {
		return err
	}
	fmt.Printf("ok (%v sessions)\n", res["sessions"])
	return nil
}

func editors(c *cli.Context) error {
	docID, err := documentArg(c)
	if err != nil {
		return err
	}
	var res struct {
		Users []protocol.UserView `json:"users"`
	}
	if err := getJSON(c, "/collab/documents/"+docID+"/editors", &res); err != nil {
		return err
	}
	for _, u := range res.Users {
		fmt.Printf("%-20s %s\n", u.UserID, u.DisplayName)
	}
	return nil
}
