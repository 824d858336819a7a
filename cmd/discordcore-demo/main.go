// Command discordcore-demo is a thin CLI assembly mirroring the spirit of
// the teacher's main.go (load config, wire clients, start background
// loops, wait on an interrupt signal) generalized from a single sniping
// loop into a generic gateway+REST+dispatch client bring-up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	core "discordcore"
	"discordcore/config"
	"discordcore/event"
	"discordcore/logging"
)

const configPath = "./data/config.json"

func main() {
	log := logging.Default()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := bootstrapConfig(); err != nil {
			log.Error("failed to bootstrap config: %s", err)
			os.Exit(1)
		}
	}

	doc, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config: %s", err)
		os.Exit(1)
	}

	client, err := core.New(core.Options{Doc: doc, Logger: log})
	if err != nil {
		log.Error("failed to build client: %s", err)
		os.Exit(1)
	}

	client.On("READY", func(p event.Payload) {
		log.Info("shard %d ready", p.ShardID)
	})
	client.On("MESSAGE_CREATE", func(p event.Payload) {
		log.Debug("shard %d message: %s", p.ShardID, string(p.Data))
	})

	watcher, err := config.Watch(configPath, time.Second, log)
	if err != nil {
		log.Warn("config hot reload disabled: %s", err)
	} else {
		defer watcher.Stop()
		go func() {
			for range watcher.Changes {
				log.Info("config reloaded")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := client.Start(ctx); err != nil {
			log.Error("shard startup failed: %s", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			time.Sleep(30 * time.Second)
			stats := client.Dispatcher.Statistics()
			log.Info("connected shards: %d/%d, events dispatched: %d",
				client.Shards.ConnectedShardCount(), client.Shards.TotalShardCount(),
				stats.EventsDispatched)
		}
	}()

	<-sig
	fmt.Println()
	log.Info("shutting down")
	client.Stop()
	cancel()
}

func bootstrapConfig() error {
	if err := os.MkdirAll("./data", os.ModePerm); err != nil {
		return err
	}
	return config.Save(configPath, config.Default())
}
