package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/auth"
	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/broadcast/memory"
	bredis "github.com/convsync/internal/broadcast/redis"
	"github.com/convsync/internal/broadcast/wsrelay"
	"github.com/convsync/internal/config"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/remote"
	"github.com/convsync/internal/session"
	redisstorage "github.com/convsync/internal/storage/redis"
	"github.com/convsync/internal/surface"
)

var version = "dev"

// app — состояние одного запуска: флаги и загруженная конфигурация.
type app struct {
	configPath string
	token      string
	asJSON     bool
	cfg        *config.Config
}

// NewRootCmd собирает дерево команд. Каждый вызов возвращает независимое дерево.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:     "chatctl",
		Short:   "Headless client of the conversation sync engine",
		Long:    "chatctl opens a session for one participant and lists, reads and sends messages,\nkeeping other sessions of the same participant in sync.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file path (default is config/app.yaml)")
	root.PersistentFlags().StringVarP(&a.token, "token", "t", "", "bearer token (default is $CONVSYNC_TOKEN)")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		a.conversationsCmd(),
		a.threadCmd(),
		a.sendCmd(),
		a.readCmd(),
		a.refreshCmd(),
		a.watchCmd(),
		a.tokenCmd(),
	)
	return root
}

// Execute запускает chatctl; вызывается из main.
func Execute() {
	logger.SetPrefix("chatctl")
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) load() error {
	if a.configPath != "" {
		cfg, err := config.LoadFrom(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	} else {
		a.cfg = config.Load()
	}
	logger.SetLevel(a.cfg.LogLevel)
	if a.token == "" {
		a.token = os.Getenv("CONVSYNC_TOKEN")
	}
	return nil
}

// open создаёт и запускает сессию. surfaces == nil — только header и popup.
// Вызывающий обязан вызвать возвращённую функцию закрытия.
func (a *app) open(ctx context.Context, surfaces []surface.Config) (*session.Session, func(), error) {
	if a.token == "" {
		return nil, nil, fmt.Errorf("token required: pass --token or set CONVSYNC_TOKEN")
	}
	self, err := auth.Subject(a.token)
	if err != nil {
		return nil, nil, err
	}
	adapter, release, err := a.adapter(ctx, self)
	if err != nil {
		return nil, nil, err
	}
	rc := remote.NewClient(a.cfg.Messaging.BaseURL, remote.StaticToken(a.token), &http.Client{Timeout: a.cfg.Messaging.Timeout})
	s, err := session.New(session.Deps{
		SelfID:   self,
		Remote:   rc,
		Adapter:  adapter,
		Surfaces: surfaces,
		OnSessionExpired: func(err error) {
			fmt.Fprintln(os.Stderr, "session expired, issue a new token")
		},
		PageLimit:      a.cfg.Sync.PageLimit,
		DedupeCapacity: a.cfg.Sync.DedupeCapacity,
		PublishTimeout: a.cfg.Sync.PublishTimeout,
	})
	if err != nil {
		_ = adapter.Close()
		release()
		return nil, nil, err
	}
	closeAll := func() {
		if err := s.Close(); err != nil {
			logger.Errorf("close session: %v", err)
		}
		release()
	}
	if err := s.Start(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	return s, closeAll, nil
}

// adapter выбирает broadcast-транспорт по sync.transport.
func (a *app) adapter(ctx context.Context, self string) (broadcast.Adapter, func(), error) {
	switch a.cfg.Sync.Transport {
	case "redis":
		rdb, err := redisstorage.New(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		ad, err := bredis.New(ctx, rdb.Raw(), self)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return ad, func() { _ = rdb.Close() }, nil
	case "memory":
		// только этот процесс; другие сессии не узнают об изменениях
		return memory.NewHub().Connect(self), func() {}, nil
	default:
		c, err := wsrelay.Dial(ctx, wsrelay.Options{URL: a.cfg.Relay.URL, Token: a.token})
		if err != nil {
			return nil, nil, fmt.Errorf("relay %s: %w", a.cfg.Relay.URL, err)
		}
		return c, func() {}, nil
	}
}

func (a *app) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
