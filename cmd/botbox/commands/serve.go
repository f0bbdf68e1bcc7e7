package commands

import (
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"botbox/backend"
	"botbox/client"
	"botbox/config"
	"botbox/otr"
	"botbox/repo"
	"botbox/server"
	"botbox/state"
	"botbox/store"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot resource with a built-in echo handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			storage, stateFactory, err := openStorage(cfg)
			if err != nil {
				return err
			}

			cryptoFactory := func(botID uuid.UUID) (*otr.Engine, error) {
				return otr.NewEngine(storage, botID.String())
			}
			apiFactory := func(st *state.BotState) backend.Client {
				return backend.NewAPI(cfg.Host, st.Token)
			}

			r := repo.New(cryptoFactory, stateFactory, apiFactory)
			srv := server.New(&echoBot{log: logrus.WithField("component", "echo")},
				r, cryptoFactory, stateFactory, cfg.Token)
			return srv.ListenAndServe(cfg.Addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "botbox.json", "path to config file")
	return cmd
}

func openStorage(cfg *config.Config) (store.Storage, repo.StateFactory, error) {
	switch cfg.Storage.Backend {
	case config.StorageFile:
		dir := cfg.Storage.Dir
		storage := store.NewFileStore(filepath.Join(dir, "crypto"))
		return storage, func(botID uuid.UUID) (state.State, error) {
			return state.NewFileState(filepath.Join(dir, "state"), botID), nil
		}, nil

	case config.StoragePostgres:
		storage, err := store.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return storage, func(botID uuid.UUID) (state.State, error) {
			return state.NewPostgresState(storage.DB(), botID)
		}, nil

	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Addr,
			Password: cfg.Storage.Password,
		})
		return store.NewRedisStore(rdb), func(botID uuid.UUID) (state.State, error) {
			return state.NewRedisState(rdb, botID), nil
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// echoBot accepts every instance and replies to each message with its own
// plaintext. It exists so the binary is usable end to end without writing
// application code.
type echoBot struct {
	log *logrus.Entry
}

func (b *echoBot) OnNewBot(st *state.BotState) bool {
	b.log.WithField("bot", st.ID).Info("New bot instance")
	return true
}

func (b *echoBot) OnMessage(c *client.Client, msg *server.Message) {
	plain, err := base64.StdEncoding.DecodeString(msg.Text)
	if err != nil {
		b.log.WithError(err).Warn("Undecodable plaintext")
		return
	}
	if err := c.Send(plain); err != nil {
		b.log.WithError(err).Error("Failed to echo message")
	}
}
