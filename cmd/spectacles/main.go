// Command spectacles runs the gateway-to-broker bridge: either a single
// shard that publishes its events and receives inbound packets routed by
// its shard ID, or a full fan-out across every shard of a bot, one
// goroutine and one publisher per shard plus a single shared inbound
// consumer bound to every shard ID.
package main

import (
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"spectacles-bridge/broker"
	"spectacles-bridge/gateway"
	"spectacles-bridge/internal/config"
	"spectacles-bridge/internal/httpapi"
	"spectacles-bridge/pkg/utils"
)

// shardRegistry implements httpapi.StatusSource over the sessions this
// process owns.
type shardRegistry struct {
	mu       sync.Mutex
	sessions map[int]*gateway.Session
}

func newShardRegistry() *shardRegistry {
	return &shardRegistry{sessions: make(map[int]*gateway.Session)}
}

func (r *shardRegistry) add(id int, s *gateway.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

func (r *shardRegistry) get(id int) (*gateway.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *shardRegistry) ShardStatuses() []httpapi.ShardStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]httpapi.ShardStatus, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, httpapi.ShardStatus{
			ShardID:   id,
			Connected: s.Open(),
			SessionID: s.SessionID(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

func serveStatus(log *logrus.Logger, src httpapi.StatusSource, addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: httpapi.NewRouter(src)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("status server stopped")
		}
	}()
}

// shardStagger is the pause between launching consecutive shards in
// fan-out mode, giving each one room to identify without tripping
// Discord's session-start rate limit.
const shardStagger = 6 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "spectacles",
		Short: "bridges a Discord gateway connection to an AMQP broker",
		Run:   run,
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	log := logrus.StandardLogger()
	cfg, err := config.Load()
	if err != nil {
		log.WithField("error", err).Fatal("loading configuration")
	}

	if cfg.FanOut {
		runFanOut(cfg, log)
	} else {
		runSingle(cfg, log)
	}
}

func runSingle(cfg *config.Config, log *logrus.Logger) {
	entry := log.WithField("shard_id", cfg.ShardID)
	registry := newShardRegistry()
	serveStatus(log, registry, utils.EnvOrDefault("HTTP_ADDR", ""))

	publisher := dialPublisher(entry, cfg, cfg.PublisherGroup, cfg.Events)

	session := gateway.NewSession(gateway.Options{
		Token:      cfg.Token,
		ShardID:    int32(cfg.ShardID),
		ShardCount: int32(cfg.ShardCount),
	}, entry)
	registry.add(cfg.ShardID, session)

	session.OnError(func(err error) { entry.WithField("error", err).Error("gateway error") })
	session.OnConnection(func() { entry.Info("gateway connection established") })
	session.OnDisconnection(func(code int, reason string) {
		entry.WithField("code", code).Info("gateway disconnected")
	})
	session.OnMessage(func(p gateway.Packet) {
		if err := publisher.Publish(p); err != nil {
			entry.WithField("error", err).Error("publish failed")
		}
	})

	consumer := dialConsumer(entry, cfg, cfg.ConsumerGroup, []string{strconv.Itoa(cfg.ShardID)})
	consumer.OnMessage(func(routingKey string, p gateway.Packet) {
		if err := session.Send(p.Raw); err != nil {
			entry.WithField("error", err).Error("forwarding inbound packet failed")
		}
	})

	if err := session.Connect(); err != nil {
		entry.WithField("error", err).Fatal("initial gateway connect failed")
	}

	select {}
}

func runFanOut(cfg *config.Config, log *logrus.Logger) {
	registry := newShardRegistry()
	serveStatus(log, registry, utils.EnvOrDefault("HTTP_ADDR", ""))

	publisherEvents := cfg.Events
	consumerEvents := make([]string, 0, cfg.Shards)

	for id := 0; id < cfg.Shards; id++ {
		entry := log.WithField("shard_id", id)
		consumerEvents = append(consumerEvents, strconv.Itoa(id))

		publisher := dialPublisher(entry, cfg, cfg.PublisherGroup, publisherEvents)

		session := gateway.NewSession(gateway.Options{
			Token:      cfg.Token,
			ShardID:    int32(id),
			ShardCount: int32(cfg.Shards),
		}, entry)
		session.OnError(func(err error) { entry.WithField("error", err).Error("gateway error") })
		session.OnConnection(func() { entry.Info("gateway connection established") })
		session.OnDisconnection(func(code int, reason string) {
			entry.WithField("code", code).Info("gateway disconnected")
		})
		session.OnMessage(func(p gateway.Packet) {
			if err := publisher.Publish(p); err != nil {
				entry.WithField("error", err).Error("publish failed")
			}
		})

		registry.add(id, session)

		go func(entry *logrus.Entry, session *gateway.Session) {
			if err := session.Connect(); err != nil {
				entry.WithField("error", err).Fatal("initial gateway connect failed")
			}
		}(entry, session)

		time.Sleep(shardStagger)
	}

	entry := log.WithField("component", "fanout-consumer")
	consumer := dialConsumer(entry, cfg, cfg.ConsumerGroup, consumerEvents)
	consumer.OnMessage(func(routingKey string, p gateway.Packet) {
		shardID, err := strconv.Atoi(routingKey)
		if err != nil {
			entry.WithField("routing_key", routingKey).Warn("inbound packet for unparseable shard id")
			return
		}
		session, ok := registry.get(shardID)
		if !ok {
			entry.WithField("shard_id", shardID).Warn("inbound packet for unknown shard")
			return
		}
		if err := session.Send(p.Raw); err != nil {
			entry.WithField("error", err).Error("forwarding inbound packet failed")
		}
	})

	select {}
}

// dialPublisher connects a Publisher, retrying on a bare TCP failure every
// five seconds and giving up on anything else.
func dialPublisher(log *logrus.Entry, cfg *config.Config, group string, events []string) *broker.Publisher {
	p := broker.NewPublisher()
	for {
		err := p.Connect(cfg.Host, cfg.Port, group, events)
		if err == nil {
			return p
		}
		if err.Type == broker.ErrTCPSocket {
			log.Warn("publisher failed to connect to TCP socket, retrying in 5 seconds...")
			time.Sleep(5 * time.Second)
			continue
		}
		log.WithField("error", err).Fatal("unexpected publisher connect error")
	}
}

// dialConsumer connects a Consumer and installs a reconnect-on-socket-error
// handler, mirroring dialPublisher's retry policy for errors encountered
// after the initial connection succeeds.
func dialConsumer(log *logrus.Entry, cfg *config.Config, group string, events []string) *broker.Consumer {
	c := broker.NewConsumer()

	var connect func()
	connect = func() {
		for {
			err := c.Connect(cfg.Host, cfg.Port, group, events)
			if err == nil {
				return
			}
			if err.Type == broker.ErrTCPSocket {
				log.Warn("consumer failed to connect to TCP socket, retrying in 5 seconds...")
				time.Sleep(5 * time.Second)
				continue
			}
			log.WithField("error", err).Fatal("unexpected consumer connect error")
		}
	}

	c.OnError(func(err *broker.Error) {
		if err.Type == broker.ErrTCPSocket {
			log.Warn("consumer connection lost, reconnecting in 5 seconds...")
			time.Sleep(5 * time.Second)
			connect()
			return
		}
		log.WithField("error", err).Fatal("unexpected consumer error")
	})

	connect()
	return c
}
