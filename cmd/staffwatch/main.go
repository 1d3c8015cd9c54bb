package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/urfave/cli/v2"

	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
	"github.com/fathima-sithara/ops-relay/internal/transport"
	"github.com/fathima-sithara/ops-relay/internal/utils"
)

func main() {
	app := &cli.App{
		Name:  "staffwatch",
		Usage: "tail the ops relay staff notification stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "http://localhost:8085",
				Usage:   "relay base URL",
				EnvVars: []string{"STAFFWATCH_URL"},
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "staff JWT",
				EnvVars:  []string{"STAFFWATCH_TOKEN"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "backfill notifications after this id (empty: latest page)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 50,
				Usage: "backfill page size",
			},
			&cli.StringFlag{
				Name:    "output",
				Value:   "pretty",
				Usage:   "output format: pretty or json",
				EnvVars: []string{"STAFFWATCH_OUTPUT"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log connection state changes",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	base := strings.TrimRight(c.String("url"), "/")
	token := c.String("token")
	env := "production"
	if c.Bool("verbose") {
		env = "development"
	}
	logger := utils.MustSugar(env)
	defer func() { _ = logger.Sync() }()

	w := newWatcher(os.Stdout, c.String("output") == "json")
	w.lastID = c.String("since")
	limit := c.Int("limit")

	fetch := func(since string, limit int) ([]*models.Notification, error) {
		return fetchNotifications(base, token, since, limit)
	}
	backfill := func() {
		if err := w.drain(fetch, limit); err != nil {
			logger.Warnw("backfill failed", "err", err)
		}
	}

	wsURL, err := socketURL(base)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := transport.DefaultOptions()
	opts.Header = map[string][]string{fiber.HeaderAuthorization: {"Bearer " + token}}
	opts.Logger = logger
	opts.OnStateChange = func(s transport.State) {
		logger.Debugw("connection state", "state", s.String())
		if s == transport.StateReconnecting {
			w.hold()
		}
	}

	conn, err := transport.Open(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	// the relay acks the staff subscription on every socket, including ones
	// opened by a reconnect. Pushes are held from before the subscribe until
	// the backfill that follows each ack has drained.
	subscribed := make(chan struct{}, 1)
	conn.OnMessage(func(env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeNotification:
			var n models.Notification
			if err := env.DecodePayload(&n); err != nil {
				logger.Warnw("bad notification payload", "err", err)
				return
			}
			w.push(&n)
		case protocol.TypeSubscribed:
			var p protocol.SubscriptionPayload
			if err := env.DecodePayload(&p); err == nil && p.Channel == protocol.StaffChannel {
				select {
				case subscribed <- struct{}{}:
				default:
				}
			}
		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = env.DecodePayload(&p)
			logger.Errorw("relay error", "code", p.Code, "error", p.Error)
		}
	})
	w.hold()
	if err := conn.Subscribe(protocol.StaffChannel); err != nil {
		return err
	}
	logger.Infow("watching staff channel", "url", wsURL)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-subscribed:
			backfill()
		}
	}
}

func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func fetchNotifications(base, token, since string, limit int) ([]*models.Notification, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	a := fiber.Get(base + "/v1/notifications?" + q.Encode())
	a.Set(fiber.HeaderAuthorization, "Bearer "+token)
	a.Timeout(10 * time.Second)

	var out struct {
		Notifications []*models.Notification `json:"notifications"`
		Error         string                 `json:"error"`
	}
	code, _, errs := a.Struct(&out)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("list notifications: status %d: %s", code, out.Error)
	}
	return out.Notifications, nil
}
